package alert

import (
	"encoding/xml"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"alertrelay/pkg/tgui"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()
	cases := map[string]Status{
		"firing":    StatusFiring,
		"FIRING":    StatusFiring,
		" resolved": StatusResolved,
		"pending":   StatusUnknown,
		"":          StatusUnknown,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeyParts(t *testing.T) {
	t.Parallel()
	k := NewKey("disk-full", "abc123")
	if k.String() != "disk-full|abc123" {
		t.Fatalf("key = %q", k)
	}
	if a, b := NewKey("a|b", ""), NewKey("a", "b"); a == b {
		t.Fatalf("name with separator collides with fingerprinted key: %q", a)
	}
	if got := NewKey(`a\|b`, "c"); got != `a\\\|b|c` {
		t.Fatalf("escaped key = %q", got)
	}
	if NewKey("disk-full", " ").String() != "disk-full" {
		t.Fatal("blank fingerprint should give a name-only key")
	}
}

func TestNormalizePlaceholders(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{Destinations: []Destination{"1"}})
	got := n.Normalize(Event{Status: "firing"})
	if got.Name != DefaultUnnamedAlert || got.Summary != DefaultNoSummary {
		t.Fatalf("name=%q summary=%q", got.Name, got.Summary)
	}
	if got.Key != Key(DefaultUnnamedAlert) {
		t.Fatalf("key = %q", got.Key)
	}
	if got.Status != StatusFiring {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestNormalizeDecodeErrorIsUnknown(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{})
	got := n.Normalize(Event{Status: "firing", Err: errors.New("bad alert")})
	if got.Status != StatusUnknown {
		t.Fatalf("status = %q, want unknown", got.Status)
	}
}

func TestNormalizeFingerprintModes(t *testing.T) {
	t.Parallel()
	ev := func(summary, fp string) Event {
		return Event{
			Status:      "firing",
			Labels:      map[string]string{"alertname": "disk-full", "instance": "node-7"},
			Annotations: map[string]string{"summary": summary},
			Fingerprint: fp,
		}
	}

	t.Run("upstream", func(t *testing.T) {
		t.Parallel()
		n := NewNormalizer(Config{})
		a := n.Normalize(ev("node-7", "f1"))
		b := n.Normalize(ev("node-7", "f2"))
		if a.Key == b.Key {
			t.Fatalf("distinct upstream fingerprints collided: %q", a.Key)
		}
		if c := n.Normalize(ev("node-7", "")); c.Key != "disk-full" {
			t.Fatalf("missing fingerprint should fall back to name, got %q", c.Key)
		}
	})

	t.Run("summary", func(t *testing.T) {
		t.Parallel()
		n := NewNormalizer(Config{Fingerprint: FingerprintSummary})
		a := n.Normalize(ev("node-7 disk at 95%", ""))
		b := n.Normalize(ev("  Node-7   disk at 95% ", ""))
		c := n.Normalize(ev("node-8 disk at 95%", ""))
		if a.Key != b.Key {
			t.Fatalf("cosmetic summary change split key: %q vs %q", a.Key, b.Key)
		}
		if a.Key == c.Key {
			t.Fatalf("different summaries collided: %q", a.Key)
		}
		if !strings.HasPrefix(string(a.Key), "disk-full|") {
			t.Fatalf("key = %q", a.Key)
		}
	})

	t.Run("labels", func(t *testing.T) {
		t.Parallel()
		n := NewNormalizer(Config{Fingerprint: FingerprintLabels})
		a := n.Normalize(ev("x", "upstream-ignored"))
		other := ev("x", "")
		other.Labels = map[string]string{"alertname": "disk-full", "instance": "node-8"}
		b := n.Normalize(other)
		if a.Key == b.Key {
			t.Fatal("different label sets collided")
		}
		if strings.Contains(a.Key.String(), "upstream-ignored") {
			t.Fatalf("labels mode used upstream fingerprint: %q", a.Key)
		}
	})

	t.Run("name", func(t *testing.T) {
		t.Parallel()
		n := NewNormalizer(Config{Fingerprint: FingerprintName})
		if k := n.Normalize(ev("node-7", "f1")).Key; k != "disk-full" {
			t.Fatalf("key = %q", k)
		}
	})
}

func TestParseFingerprintMode(t *testing.T) {
	t.Parallel()
	if m, err := ParseFingerprintMode(""); err != nil || m != FingerprintUpstream {
		t.Fatalf("empty mode = %q, %v", m, err)
	}
	if m, err := ParseFingerprintMode("Labels"); err != nil || m != FingerprintLabels {
		t.Fatalf("Labels = %q, %v", m, err)
	}
	if _, err := ParseFingerprintMode("sha1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRouting(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Destinations: []Destination{"100", "200", "100"},
		RouteLabel:   "chat",
		Routes: map[string][]Destination{
			"ops":     {"300", "300:7"},
			"default": {"400", "200"},
		},
	}
	n := NewNormalizer(cfg)

	cases := []struct {
		name   string
		labels map[string]string
		want   []Destination
		miss   bool
	}{
		{"no label uses static and default", map[string]string{"alertname": "a"}, []Destination{"100", "200", "400"}, false},
		{"mapped label", map[string]string{"alertname": "a", "chat": "ops"}, []Destination{"300", "300:7"}, false},
		{"unmapped label", map[string]string{"alertname": "a", "chat": "nobody"}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := n.Normalize(Event{Status: "firing", Labels: tc.labels})
			if !reflect.DeepEqual(got.Destinations, tc.want) {
				t.Fatalf("destinations = %v, want %v", got.Destinations, tc.want)
			}
			if got.RouteMiss != tc.miss {
				t.Fatalf("miss = %v, want %v", got.RouteMiss, tc.miss)
			}
		})
	}
}

func TestNormalizerUpdate(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{Destinations: []Destination{"1"}})
	n.Update(Config{Destinations: []Destination{"2"}})
	got := n.Normalize(Event{Status: "firing"})
	if len(got.Destinations) != 1 || got.Destinations[0] != "2" {
		t.Fatalf("destinations = %v", got.Destinations)
	}
}

func TestRenderContainsRequiredData(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{})
	ev := Event{
		Status:      "resolved",
		Labels:      map[string]string{"alertname": "disk-full", "severity": "critical"},
		Annotations: map[string]string{"summary": "node-7 <sda>"},
		ExternalURL: "http://am:9093",
	}
	got := n.Normalize(ev).Text
	for _, want := range []string{"RESOLVED", "<b>disk-full</b>", "node-7 &lt;sda&gt;", "<code>critical</code>", `href="http://am:9093"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("text %q missing %q", got, want)
		}
	}
	ev.Status = "firing"
	if got := n.Normalize(ev).Text; !strings.Contains(got, "FIRING") {
		t.Fatalf("firing text %q", got)
	}
}

func TestRenderFitsOneMessage(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 5000)
	tests := []struct {
		name string
		ev   Event
	}{
		{
			name: "escape heavy",
			ev: Event{
				Status: "firing",
				Labels: map[string]string{"alertname": "disk-full", "severity": strings.Repeat("<&", 300)},
				Annotations: map[string]string{
					"summary":     strings.Repeat("a<b ", 300),
					"description": strings.Repeat("line & more\n", 120),
				},
			},
		},
		{
			name: "everything long",
			ev: Event{
				Status:       "resolved",
				Labels:       map[string]string{"alertname": long, "severity": long, "instance": long, "job": long},
				Annotations:  map[string]string{"summary": strings.Repeat("<", 5000), "description": strings.Repeat("&", 5000)},
				GeneratorURL: "http://prom:9090/graph?g0.expr=" + strings.Repeat("a", 900),
				ExternalURL:  "http://am:9093/" + long,
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text := NewNormalizer(Config{}).Normalize(tt.ev).Text
			if n := utf8.RuneCountInString(text); n > tgui.MessageLimit {
				t.Fatalf("rendered %d runes, limit %d", n, tgui.MessageLimit)
			}
			if strings.Count(text, "<i>") != strings.Count(text, "</i>") {
				t.Fatalf("unbalanced italics in %q", text)
			}
			// Telegram's HTML subset is well-formed markup with basic entities.
			dec := xml.NewDecoder(strings.NewReader("<m>" + text + "</m>"))
			for {
				_, err := dec.Token()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("invalid markup: %v", err)
				}
			}
		})
	}
}
