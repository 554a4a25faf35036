package alert

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/model"
)

// FingerprintMode selects what besides the alert name goes into a Key.
type FingerprintMode string

const (
	// FingerprintUpstream uses the Alertmanager fingerprint when present, else the name alone.
	FingerprintUpstream FingerprintMode = "upstream"
	// FingerprintSummary folds a hash of the normalized summary into the key.
	FingerprintSummary FingerprintMode = "summary"
	// FingerprintLabels folds the Prometheus label-set fingerprint into the key.
	FingerprintLabels FingerprintMode = "labels"
	// FingerprintName keys by alert name only.
	FingerprintName FingerprintMode = "name"
)

func ParseFingerprintMode(s string) (FingerprintMode, error) {
	switch m := FingerprintMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FingerprintUpstream, nil
	case FingerprintUpstream, FingerprintSummary, FingerprintLabels, FingerprintName:
		return m, nil
	default:
		return "", fmt.Errorf("unknown fingerprint mode %q (want upstream|summary|labels|name)", s)
	}
}

const (
	DefaultUnnamedAlert = "Unnamed alert"
	DefaultNoSummary    = "No summary provided"
	DefaultRouteLabel   = "chat"
	DefaultRouteName    = "default"

	summaryAnnotation = "summary"
)

// Config holds routing and placeholder settings. It is replaced as a whole on reload.
type Config struct {
	// Destinations is the static fan-out list used when no label route applies.
	Destinations []Destination
	// RouteLabel names the label whose value selects an entry in Routes.
	RouteLabel string
	Routes     map[string][]Destination

	Fingerprint  FingerprintMode
	UnnamedAlert string
	NoSummary    string
}

func (c Config) withDefaults() Config {
	if c.Fingerprint == "" {
		c.Fingerprint = FingerprintUpstream
	}
	if strings.TrimSpace(c.UnnamedAlert) == "" {
		c.UnnamedAlert = DefaultUnnamedAlert
	}
	if strings.TrimSpace(c.NoSummary) == "" {
		c.NoSummary = DefaultNoSummary
	}
	return c
}

// Normalizer turns raw events into Normalized values. It is safe for
// concurrent use; Update swaps the configuration atomically.
type Normalizer struct {
	cfg atomic.Pointer[Config]
}

func NewNormalizer(cfg Config) *Normalizer {
	n := &Normalizer{}
	n.Update(cfg)
	return n
}

func (n *Normalizer) Update(cfg Config) {
	c := cfg.withDefaults()
	n.cfg.Store(&c)
}

func (n *Normalizer) Config() Config { return *n.cfg.Load() }

// Normalize never fails: missing fields fall back to placeholders and an
// undecodable alert comes back with StatusUnknown.
func (n *Normalizer) Normalize(ev Event) Normalized {
	cfg := n.Config()

	name := strings.TrimSpace(ev.Labels[model.AlertNameLabel])
	if name == "" {
		name = cfg.UnnamedAlert
	}
	summary := strings.TrimSpace(ev.Annotations[summaryAnnotation])
	hasSummary := summary != ""
	if !hasSummary {
		summary = cfg.NoSummary
	}

	status := ParseStatus(ev.Status)
	if ev.Err != nil {
		status = StatusUnknown
	}

	out := Normalized{
		Name:    name,
		Summary: summary,
		Status:  status,
		Labels:  ev.Labels,
	}

	var fp string
	switch cfg.Fingerprint {
	case FingerprintUpstream:
		fp = ev.Fingerprint
	case FingerprintSummary:
		if hasSummary {
			fp = summaryFingerprint(name, summary)
		}
	case FingerprintLabels:
		fp = labelsFingerprint(ev.Labels)
	}
	out.Key = NewKey(name, fp)

	out.Destinations, out.RouteValue, out.RouteMiss = cfg.route(ev.Labels)
	out.Text = Render(out, ev)
	return out
}

// summaryFingerprint hashes the whitespace-collapsed, lowercased summary together
// with the name, so cosmetic differences in the summary text do not split an incident.
func summaryFingerprint(name, summary string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(summary), " "))
	sig := model.LabelsToSignature(map[string]string{
		model.AlertNameLabel: name,
		summaryAnnotation:    norm,
	})
	return model.Fingerprint(sig).String()
}

func labelsFingerprint(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint().String()
}
