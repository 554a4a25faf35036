package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/config"
	"alertrelay/internal/delivery"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
)

type fakeMessenger struct {
	mu    sync.Mutex
	next  int
	sent  []kit.ChatTarget
	edits []kit.MessageRef
}

func (f *fakeMessenger) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, to)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.next}, nil
}

func (f *fakeMessenger) EditText(_ context.Context, ref kit.MessageRef, _ string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, ref)
	return nil
}

// stuckMessenger holds every send until release is closed and, like
// telebot, ignores ctx.
type stuckMessenger struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckMessenger) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 77}, nil
}

func (s *stuckMessenger) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "1:x"},
		Routing:  config.RoutingConfig{Destinations: []string{"-1001"}},
		Storage:  config.StorageConfig{Driver: "memory"},
		Logging:  config.LoggingConfig{Level: "error"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *fakeMessenger) {
	t.Helper()
	m := &fakeMessenger{}
	return buildTestApp(t, cfg, m), m
}

func buildTestApp(t *testing.T, cfg *config.Config, m kit.Messenger) *App {
	t.Helper()
	cfgm := config.NewConfigManager(t.TempDir() + "/config.json")
	cfgm.Commit(cfg)
	a, err := build(cfgm, cfg, m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.closeResources() })
	return a
}

func post(t *testing.T, h http.Handler, body string) (int, delivery.Result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alert", strings.NewReader(body)))
	var res delivery.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec.Code, res
}

func TestWebhookFireThenResolve(t *testing.T) {
	t.Parallel()
	a, m := newTestApp(t, testConfig())
	firing := `{"alerts":[{"status":"firing","labels":{"alertname":"disk-full"},"annotations":{"summary":"90%"}}]}`
	resolved := strings.Replace(firing, `"firing"`, `"resolved"`, 1)

	code, res := post(t, a.Handler(), firing)
	if code != http.StatusOK || res.Alerts[0].Targets[0].Disposition != delivery.DispositionSent {
		t.Fatalf("first firing: %d %+v", code, res)
	}
	_, res = post(t, a.Handler(), firing)
	if got := res.Alerts[0].Targets[0].Disposition; got != delivery.DispositionSuppressed {
		t.Fatalf("repeat firing = %s, want suppressed", got)
	}
	_, res = post(t, a.Handler(), resolved)
	if got := res.Alerts[0].Targets[0].Disposition; got != delivery.DispositionEdited {
		t.Fatalf("resolve = %s, want edited", got)
	}
	if len(m.sent) != 1 || len(m.edits) != 1 || m.edits[0].MessageID != 1 {
		t.Fatalf("sent=%v edits=%v", m.sent, m.edits)
	}
}

func TestApplyReloadSwapsRouting(t *testing.T) {
	t.Parallel()
	prev := testConfig()
	a, m := newTestApp(t, prev)

	next := testConfig()
	next.Routing.Destinations = []string{"-1002:9"}
	next.Delivery.RetryMax = 5
	a.applyReload(prev, next)

	if got := a.norm.Config().Destinations; len(got) != 1 || got[0] != "-1002:9" {
		t.Fatalf("destinations = %v", got)
	}
	post(t, a.Handler(), `{"alerts":[{"status":"firing","labels":{"alertname":"x"}}]}`)
	if len(m.sent) != 1 || m.sent[0] != (kit.ChatTarget{ChatID: -1002, ThreadID: 9}) {
		t.Fatalf("sent = %v", m.sent)
	}
}

func TestMapRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        config.RoutingConfig
		wantLabel string
		wantMode  alert.FingerprintMode
		wantErr   bool
	}{
		{name: "static only", in: config.RoutingConfig{Destinations: []string{" -1 ", ""}}, wantMode: alert.FingerprintUpstream},
		{name: "routes imply label", in: config.RoutingConfig{Routes: map[string][]string{"ops": {"-2"}}}, wantLabel: "chat", wantMode: alert.FingerprintUpstream},
		{name: "default route alone", in: config.RoutingConfig{Routes: map[string][]string{"default": {"-2"}}}, wantMode: alert.FingerprintUpstream},
		{name: "explicit label", in: config.RoutingConfig{Label: "team", Fingerprint: "labels"}, wantLabel: "team", wantMode: alert.FingerprintLabels},
		{name: "bad mode", in: config.RoutingConfig{Fingerprint: "sha"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapRouting(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr {
				return
			}
			if got.RouteLabel != tt.wantLabel || got.Fingerprint != tt.wantMode {
				t.Fatalf("got label=%q mode=%q", got.RouteLabel, got.Fingerprint)
			}
			for _, d := range got.Destinations {
				if strings.TrimSpace(string(d)) != string(d) || d == "" {
					t.Fatalf("destination not cleaned: %q", d)
				}
			}
		})
	}
}

func TestMapDurations(t *testing.T) {
	t.Parallel()
	if _, _, err := mapDelivery(config.DeliveryConfig{RetryBase: "later"}); err == nil {
		t.Fatal("bad retry_base should fail")
	}
	opt, mopt, err := mapDelivery(config.DeliveryConfig{CallTimeout: "3s", StoreTimeout: "1s", PersistRetryMax: 2})
	if err != nil {
		t.Fatal(err)
	}
	if opt.CallTimeout != 3*time.Second || mopt.StoreTimeout != time.Second || mopt.PersistRetryMax != 2 {
		t.Fatalf("opt=%+v mopt=%+v", opt, mopt)
	}
	rc, err := mapRetention(config.RetentionConfig{})
	if err != nil || rc.Schedule != "@hourly" || rc.MaxAge != 7*24*time.Hour {
		t.Fatalf("retention = %+v, %v", rc, err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Retention.Enabled = true
	a, _ := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWaitsForInFlightDelivery(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = "50ms"
	cfg.Storage = config.StorageConfig{Driver: "file", Path: path}
	m := &stuckMessenger{entered: make(chan struct{}), release: make(chan struct{})}
	a := buildTestApp(t, cfg, m)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	posted := make(chan struct{})
	go func() {
		defer close(posted)
		rec := httptest.NewRecorder()
		body := `{"alerts":[{"status":"firing","labels":{"alertname":"disk-full"}}]}`
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alert", strings.NewReader(body)))
	}()
	<-m.entered

	stopped := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- a.Stop(sctx)
	}()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned with a send in flight: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	close(m.release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-posted

	st, err := storage.Open(storage.Config{Driver: "file", Path: path, ReadOnly: true}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	recs, err := st.List(context.Background(), storage.Filter{})
	if err != nil || len(recs) != 1 || recs[0].MessageID != "77" || recs[0].Status != storage.StatusFiring {
		t.Fatalf("records after stop = %+v, %v", recs, err)
	}
}

func TestStopBudgetCoversSlowestTask(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	// 15s server wait, 3 x 10s calls with 2 x 10s pauses, then commit retries.
	if got := a.stopBudget(); got < 15*time.Second+50*time.Second {
		t.Fatalf("stop budget = %s", got)
	}
}

func TestMapTelegramTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Delivery.CallTimeout = "4s"
	tc, opt, err := mapTelegram(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tc.Timeout != 4*time.Second || opt.ParseMode != "HTML" {
		t.Fatalf("timeout = %s, parse mode = %q", tc.Timeout, opt.ParseMode)
	}
	cfg.Telegram.Timeout = "6s"
	if _, _, err := mapTelegram(cfg); err == nil {
		t.Fatal("http timeout above call timeout should be rejected")
	}
}
