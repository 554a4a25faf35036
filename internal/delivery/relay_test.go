package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
)

type msgCall struct {
	dest, handle, text string
}

type fakeMessenger struct {
	mu     sync.Mutex
	next   int
	sends  []msgCall
	edits  []msgCall
	tries  int
	errs   map[string][]error
	delay  time.Duration
	inSend int
	maxIn  int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{errs: map[string][]error{}}
}

// failNext queues errors returned by the next calls to dest.
func (f *fakeMessenger) failNext(dest string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[dest] = append(f.errs[dest], errs...)
}

func (f *fakeMessenger) popErr(dest string) error {
	f.tries++
	q := f.errs[dest]
	if len(q) == 0 {
		return nil
	}
	f.errs[dest] = q[1:]
	return q[0]
}

func (f *fakeMessenger) Send(ctx context.Context, dest, text string) (string, error) {
	f.mu.Lock()
	f.inSend++
	f.maxIn = max(f.maxIn, f.inSend)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inSend--
		f.mu.Unlock()
	}()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(dest); err != nil {
		return "", err
	}
	f.next++
	h := strconv.Itoa(100 + f.next)
	f.sends = append(f.sends, msgCall{dest: dest, handle: h, text: text})
	return h, nil
}

func (f *fakeMessenger) Edit(ctx context.Context, dest, handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(dest); err != nil {
		return err
	}
	f.edits = append(f.edits, msgCall{dest: dest, handle: handle, text: text})
	return nil
}

func (f *fakeMessenger) counts() (sends, edits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends), len(f.edits)
}

// flakyStore fails Put or Get a configured number of times.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	putFails int
	getFails int
	puts     int
}

func (s *flakyStore) Get(ctx context.Context, k, d string) (storage.Record, bool, error) {
	s.mu.Lock()
	if s.getFails > 0 {
		s.getFails--
		s.mu.Unlock()
		return storage.Record{}, false, errors.New("db down")
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, k, d)
}

func (s *flakyStore) Put(ctx context.Context, r storage.Record) error {
	s.mu.Lock()
	s.puts++
	if s.putFails > 0 {
		s.putFails--
		s.mu.Unlock()
		return errors.New("disk full")
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, r)
}

type fixture struct {
	relay *Relay
	msg   *fakeMessenger
	store storage.Store
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg alert.Config, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	if len(cfg.Destinations) == 0 && len(cfg.Routes) == 0 {
		cfg.Destinations = []alert.Destination{"A"}
	}
	msg := newFakeMessenger()
	bus := eventbus.New()
	m := NewMachine(store, logx.Nop(), MachineOptions{
		PersistRetryMax: 3,
		PersistBackoff:  backoff{Base: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	r := NewRelay(alert.NewNormalizer(cfg), m, msg, bus, logx.Nop(), Options{
		CallTimeout:   time.Second,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 50 * time.Millisecond,
	})
	return &fixture{relay: r, msg: msg, store: store, bus: bus}
}

func event(status, name, summary string) alert.Event {
	return alert.Event{
		Status:      status,
		Labels:      map[string]string{"alertname": name},
		Annotations: map[string]string{"summary": summary},
	}
}

func (f *fixture) process(t *testing.T, evs ...alert.Event) Result {
	t.Helper()
	return f.relay.Process(context.Background(), evs)
}

func only(t *testing.T, res Result) TargetResult {
	t.Helper()
	if len(res.Alerts) != 1 || len(res.Alerts[0].Targets) != 1 {
		t.Fatalf("want exactly one target, got %+v", res)
	}
	return res.Alerts[0].Targets[0]
}

func TestIdempotentFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)

	if d := only(t, f.process(t, event("firing", "disk-full", "node-7"))).Disposition; d != DispositionSent {
		t.Fatalf("first = %s", d)
	}
	if d := only(t, f.process(t, event("firing", "disk-full", "node-7"))).Disposition; d != DispositionSuppressed {
		t.Fatalf("second = %s", d)
	}
	if s, e := f.msg.counts(); s != 1 || e != 0 {
		t.Fatalf("sends=%d edits=%d, want 1/0", s, e)
	}
}

func TestResolveAfterFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)

	sent := only(t, f.process(t, event("firing", "disk-full", "node-7")))
	edited := only(t, f.process(t, event("resolved", "disk-full", "node-7")))
	if edited.Disposition != DispositionEdited {
		t.Fatalf("resolve = %+v", edited)
	}
	if s, e := f.msg.counts(); s != 1 || e != 1 {
		t.Fatalf("sends=%d edits=%d, want 1/1", s, e)
	}
	if f.msg.edits[0].handle != sent.Handle {
		t.Fatalf("edit handle %q, want %q", f.msg.edits[0].handle, sent.Handle)
	}
	rec, ok, _ := f.store.Get(context.Background(), "disk-full", "A")
	if !ok || rec.Status != storage.StatusResolved || rec.MessageID != sent.Handle {
		t.Fatalf("record = %+v ok:%v", rec, ok)
	}

	// A duplicate resolve is suppressed.
	if d := only(t, f.process(t, event("resolved", "disk-full", "node-7"))).Disposition; d != DispositionSuppressed {
		t.Fatalf("second resolve = %s", d)
	}
}

func TestResolveWithoutFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)
	tr := only(t, f.process(t, event("resolved", "disk-full", "node-7")))
	if tr.Disposition != DispositionEditMissing {
		t.Fatalf("disposition = %s", tr.Disposition)
	}
	if s, e := f.msg.counts(); s != 0 || e != 0 || f.msg.tries != 0 {
		t.Fatalf("messenger was called: sends=%d edits=%d tries=%d", s, e, f.msg.tries)
	}
	if _, ok, _ := f.store.Get(context.Background(), "disk-full", "A"); ok {
		t.Fatal("no record should be written")
	}
}

func TestDestinationIndependence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{Destinations: []alert.Destination{"A", "B"}}, nil)
	f.msg.failNext("A", kit.ErrPermanent)

	res := f.process(t, event("firing", "disk-full", "node-7"))
	got := map[string]Disposition{}
	for _, tr := range res.Alerts[0].Targets {
		got[tr.Destination] = tr.Disposition
	}
	if got["A"] != DispositionDeliveryFailed || got["B"] != DispositionSent {
		t.Fatalf("first round = %v", got)
	}
	if !res.Failed() {
		t.Fatal("result should report failure")
	}
	ctx := context.Background()
	if _, ok, _ := f.store.Get(ctx, "disk-full", "A"); ok {
		t.Fatal("failed destination must not be committed")
	}
	if _, ok, _ := f.store.Get(ctx, "disk-full", "B"); !ok {
		t.Fatal("successful destination must be committed")
	}

	res = f.process(t, event("firing", "disk-full", "node-7"))
	got = map[string]Disposition{}
	for _, tr := range res.Alerts[0].Targets {
		got[tr.Destination] = tr.Disposition
	}
	if got["A"] != DispositionSent || got["B"] != DispositionSuppressed {
		t.Fatalf("retry round = %v", got)
	}
}

func TestRefireAfterResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)
	first := only(t, f.process(t, event("firing", "disk-full", "node-7")))
	only(t, f.process(t, event("resolved", "disk-full", "node-7")))
	second := only(t, f.process(t, event("firing", "disk-full", "node-7")))

	if second.Disposition != DispositionSent {
		t.Fatalf("re-fire = %s", second.Disposition)
	}
	if first.Handle == second.Handle {
		t.Fatalf("re-fire reused handle %q", first.Handle)
	}
	if s, _ := f.msg.counts(); s != 2 {
		t.Fatalf("sends = %d, want 2", s)
	}
}

func TestFingerprintDiscrimination(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{Fingerprint: alert.FingerprintSummary}, nil)
	a := only(t, f.process(t, event("firing", "disk-full", "node-7")))
	b := only(t, f.process(t, event("firing", "disk-full", "node-8")))
	if a.Disposition != DispositionSent || b.Disposition != DispositionSent {
		t.Fatalf("dispositions = %s, %s", a.Disposition, b.Disposition)
	}
	recs, _ := f.store.List(context.Background(), storage.Filter{})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	// Upstream fingerprints discriminate the same way.
	g := newFixture(t, alert.Config{}, nil)
	e1 := event("firing", "disk-full", "x")
	e1.Fingerprint = "f1"
	e2 := event("firing", "disk-full", "x")
	e2.Fingerprint = "f2"
	g.process(t, e1, e2)
	if s, _ := g.msg.counts(); s != 2 {
		t.Fatalf("sends = %d, want 2", s)
	}
}

func TestDiskFullScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)

	f.process(t, event("firing", "disk-full", "node-7"))
	if s, _ := f.msg.counts(); s != 1 {
		t.Fatalf("sends = %d", s)
	}
	send := f.msg.sends[0]
	if send.dest != "A" || !strings.Contains(send.text, "disk-full") || !strings.Contains(send.text, "node-7") {
		t.Fatalf("send = %+v", send)
	}

	if d := only(t, f.process(t, event("firing", "disk-full", "node-7"))).Disposition; d != DispositionSuppressed {
		t.Fatalf("repeat = %s", d)
	}

	f.process(t, event("resolved", "disk-full", "node-7"))
	if _, e := f.msg.counts(); e != 1 {
		t.Fatalf("edits = %d", e)
	}
	edit := f.msg.edits[0]
	if edit.dest != "A" || edit.handle != send.handle || !strings.Contains(edit.text, "RESOLVED") {
		t.Fatalf("edit = %+v", edit)
	}
}

func TestConcurrentDuplicateFiringSendsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)
	f.msg.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]Disposition, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.relay.Process(context.Background(), []alert.Event{event("firing", "disk-full", "node-7")})
			results[i] = res.Alerts[0].Targets[0].Disposition
		}(i)
	}
	wg.Wait()

	if s, _ := f.msg.counts(); s != 1 {
		t.Fatalf("sends = %d, want 1", s)
	}
	sent := 0
	for _, d := range results {
		if d == DispositionSent {
			sent++
		} else if d != DispositionSuppressed {
			t.Fatalf("unexpected disposition %s", d)
		}
	}
	if sent != 1 {
		t.Fatalf("sent dispositions = %d", sent)
	}
	if n := f.relay.machine.locks.size(); n != 0 {
		t.Fatalf("lock table leaked %d entries", n)
	}
}

func TestDifferentTargetsRunConcurrently(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{Destinations: []alert.Destination{"A", "B", "C", "D"}}, nil)
	f.msg.delay = 30 * time.Millisecond
	f.process(t, event("firing", "disk-full", "node-7"))
	if f.msg.maxIn < 2 {
		t.Fatalf("max concurrent sends = %d, want > 1", f.msg.maxIn)
	}
}

func TestPersistenceFailureIsDistinct(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: storage.NewMemory(), putFails: 10}
	f := newFixture(t, alert.Config{}, store)

	tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
	if tr.Disposition != DispositionPersistenceFailed {
		t.Fatalf("disposition = %s", tr.Disposition)
	}
	if tr.Handle == "" {
		t.Fatal("handle of the delivered message should still be reported")
	}
	if store.puts != 3 {
		t.Fatalf("put attempts = %d, want 3", store.puts)
	}
}

func TestPersistenceRetrySucceeds(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: storage.NewMemory(), putFails: 1}
	f := newFixture(t, alert.Config{}, store)
	if d := only(t, f.process(t, event("firing", "disk-full", "node-7"))).Disposition; d != DispositionSent {
		t.Fatalf("disposition = %s", d)
	}
	if _, ok, _ := store.Get(context.Background(), "disk-full", "A"); !ok {
		t.Fatal("record should be committed after retry")
	}
}

func TestLookupFailureSendsNothing(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: storage.NewMemory(), getFails: 1}
	f := newFixture(t, alert.Config{}, store)
	tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
	if tr.Disposition != DispositionPersistenceFailed || !strings.Contains(tr.Error, ErrPersistence.Error()) {
		t.Fatalf("target = %+v", tr)
	}
	if s, _ := f.msg.counts(); s != 0 {
		t.Fatalf("sends = %d, want 0", s)
	}
}

func TestCanceledRequestStillCommits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)
	f.msg.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	res := f.relay.Process(ctx, []alert.Event{event("firing", "disk-full", "node-7")})
	if d := only(t, res).Disposition; d != DispositionSent {
		t.Fatalf("disposition = %s", d)
	}
	if _, ok, _ := f.store.Get(context.Background(), "disk-full", "A"); !ok {
		t.Fatal("delivered message must be committed")
	}
}

func TestAck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)

	if res := f.process(t); res.Ack != AckNoAlerts {
		t.Fatalf("empty batch ack = %s", res.Ack)
	}
	res := f.process(t, event("pending", "x", "y"), event("", "z", "w"))
	if res.Ack != AckUnrecognizedStatus {
		t.Fatalf("all-unknown ack = %s", res.Ack)
	}
	if s, _ := f.msg.counts(); s != 0 {
		t.Fatal("unknown alerts must not be delivered")
	}

	res = f.process(t, event("pending", "x", "y"), event("firing", "disk-full", "node-7"))
	if res.Ack != AckProcessed {
		t.Fatalf("mixed ack = %s", res.Ack)
	}
	if res.Alerts[0].Note == "" || len(res.Alerts[0].Targets) != 0 {
		t.Fatalf("unknown alert result = %+v", res.Alerts[0])
	}
	if res.Alerts[1].Targets[0].Disposition != DispositionSent {
		t.Fatalf("known alert result = %+v", res.Alerts[1])
	}
	if res.BatchID == "" {
		t.Fatal("batch id missing")
	}
}

func TestRoutingMissIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{RouteLabel: "chat", Routes: map[string][]alert.Destination{"ops": {"A"}}}, nil)
	ev := event("firing", "disk-full", "node-7")
	ev.Labels["chat"] = "nobody"
	res := f.process(t, ev)
	if res.Ack != AckProcessed || res.Failed() {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Alerts[0].Targets) != 0 || !strings.Contains(res.Alerts[0].Note, "nobody") {
		t.Fatalf("alert = %+v", res.Alerts[0])
	}
}

func TestDeliveryRetry(t *testing.T) {
	t.Parallel()

	t.Run("transient", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, alert.Config{}, nil)
		f.msg.failNext("A", errors.New("connection reset"))
		tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
		if tr.Disposition != DispositionSent || tr.Attempts != 2 {
			t.Fatalf("target = %+v", tr)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, alert.Config{}, nil)
		f.msg.failNext("A", kit.ErrPermanent)
		tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
		if tr.Disposition != DispositionDeliveryFailed || tr.Attempts != 1 {
			t.Fatalf("target = %+v", tr)
		}
	})

	t.Run("flood wait", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, alert.Config{}, nil)
		f.msg.failNext("A", &kit.RetryAfterError{Wait: 10 * time.Millisecond, Err: errors.New("429")})
		start := time.Now()
		tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
		if tr.Disposition != DispositionSent {
			t.Fatalf("target = %+v", tr)
		}
		if time.Since(start) < 10*time.Millisecond {
			t.Fatal("flood-wait was not honored")
		}
	})

	t.Run("flood wait too long", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, alert.Config{}, nil)
		f.msg.failNext("A", &kit.RetryAfterError{Wait: time.Minute, Err: errors.New("429")})
		tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
		if tr.Disposition != DispositionDeliveryFailed || tr.Attempts != 1 {
			t.Fatalf("target = %+v", tr)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, alert.Config{}, nil)
		boom := errors.New("timeout")
		f.msg.failNext("A", boom, boom, boom)
		tr := only(t, f.process(t, event("firing", "disk-full", "node-7")))
		if tr.Disposition != DispositionDeliveryFailed || tr.Attempts != 3 {
			t.Fatalf("target = %+v", tr)
		}
	})
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alert.Config{}, nil)
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.process(t, event("firing", "disk-full", "node-7"))
	f.process(t, event("firing", "disk-full", "node-7"))
	f.process(t, event("resolved", "disk-full", "node-7"))

	want := []string{eventbus.TypeSent, eventbus.TypeSuppressed, eventbus.TypeEdited}
	for _, typ := range want {
		e := <-ch
		if e.Type != typ {
			t.Fatalf("event %s, want %s", e.Type, typ)
		}
		if d := e.Data.(eventbus.Delivery); d.AlertKey != "disk-full" || d.Destination != "A" {
			t.Fatalf("payload = %+v", d)
		}
	}
}
