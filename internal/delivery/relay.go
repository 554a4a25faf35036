package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	logx "alertrelay/pkg/logx"
)

// Messenger is the messaging capability: send returns an opaque handle that
// edit accepts later for the same destination.
type Messenger interface {
	Send(ctx context.Context, dest, text string) (handle string, err error)
	Edit(ctx context.Context, dest, handle, text string) error
}

// DefaultCallTimeout bounds one messenger call when Options leaves it unset.
const DefaultCallTimeout = 10 * time.Second

type Options struct {
	// CallTimeout bounds each messenger call.
	CallTimeout time.Duration
	// RetryMax is the total number of attempts per messenger call.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Second
	}
	return o
}

// Task is one (alert key, destination) unit of work produced by Plan.
type Task struct {
	BatchID     string
	AlertKey    alert.Key
	Destination alert.Destination
	Status      alert.Status
	Text        string

	alertIdx  int
	targetIdx int
}

// Plan is a normalized batch: the acknowledgment, one AlertResult per event
// with empty target slots, and the Tasks that fill those slots.
type Plan struct {
	BatchID string
	Ack     Ack
	Alerts  []AlertResult
	Tasks   []Task
}

type Relay struct {
	norm    *alert.Normalizer
	machine *Machine
	msg     Messenger
	bus     eventbus.Bus
	log     logx.Logger
	opt     Options
	retry   backoff
	active  inflight

	newID func() string
}

func NewRelay(norm *alert.Normalizer, machine *Machine, msg Messenger, bus eventbus.Bus, log logx.Logger, opt Options) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	opt = opt.withDefaults()
	return &Relay{
		norm:    norm,
		machine: machine,
		msg:     msg,
		bus:     bus,
		log:     log.With(logx.String("comp", "delivery.relay")),
		opt:     opt,
		retry:   backoff{Base: opt.RetryBase, MaxDelay: opt.RetryMaxDelay},
		newID:   uuid.NewString,
	}
}

// Plan normalizes every event and emits one Task per target. Events with an
// unknown status or no destinations get a note and no tasks. The Ack is
// unrecognized_status only if every event in the batch is unknown.
func (r *Relay) Plan(events []alert.Event) Plan {
	p := Plan{BatchID: r.newID()}
	if len(events) == 0 {
		p.Ack = AckNoAlerts
		return p
	}

	known := 0
	p.Alerts = make([]AlertResult, len(events))
	for i, ev := range events {
		n := r.norm.Normalize(ev)
		ar := AlertResult{Key: string(n.Key), Name: n.Name, Status: string(n.Status)}

		switch {
		case !n.Status.Known():
			ar.Note = "status unrecognized"
			fields := []logx.Field{logx.String("batch_id", p.BatchID), logx.String("alert", n.Name), logx.String("raw_status", ev.Status)}
			if ev.Err != nil {
				ar.Note = "alert undecodable"
				fields = append(fields, logx.Err(ev.Err))
			}
			r.log.Warn("alert skipped: "+ar.Note, fields...)
		case n.RouteMiss:
			known++
			ar.Note = fmt.Sprintf("no route for %q", n.RouteValue)
			r.log.Warn("routing miss", logx.String("batch_id", p.BatchID), logx.String("alert_key", ar.Key), logx.String("route", n.RouteValue))
		case len(n.Destinations) == 0:
			known++
			ar.Note = "no destinations"
			r.log.Info("alert has no destinations", logx.String("batch_id", p.BatchID), logx.String("alert_key", ar.Key))
		default:
			known++
			ar.Targets = make([]TargetResult, len(n.Destinations))
			for j, d := range n.Destinations {
				ar.Targets[j] = TargetResult{Destination: string(d)}
				p.Tasks = append(p.Tasks, Task{
					BatchID:     p.BatchID,
					AlertKey:    n.Key,
					Destination: d,
					Status:      n.Status,
					Text:        n.Text,
					alertIdx:    i,
					targetIdx:   j,
				})
			}
		}
		p.Alerts[i] = ar
	}
	if known == 0 {
		p.Ack = AckUnrecognizedStatus
	} else {
		p.Ack = AckProcessed
	}
	return p
}

// Process plans the batch and runs every task concurrently, returning once
// all of them finished. Tasks run detached from ctx's cancellation: a message
// that reached the platform is always committed.
func (r *Relay) Process(ctx context.Context, events []alert.Event) Result {
	r.active.add()
	defer r.active.done()

	p := r.Plan(events)
	started := time.Now()

	dctx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	results := make([]TargetResult, len(p.Tasks))
	for i, t := range p.Tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			results[i] = r.Run(dctx, t)
		}(i, t)
	}
	wg.Wait()

	for i, t := range p.Tasks {
		p.Alerts[t.alertIdx].Targets[t.targetIdx] = results[i]
	}
	res := Result{BatchID: p.BatchID, Ack: p.Ack, Alerts: p.Alerts}

	counts := res.Counts()
	fields := []logx.Field{
		logx.String("batch_id", res.BatchID),
		logx.String("ack", string(res.Ack)),
		logx.Int("alerts", len(events)),
		logx.Int("targets", len(p.Tasks)),
		logx.Duration("took", time.Since(started)),
	}
	for d, n := range counts {
		fields = append(fields, logx.Int(string(d), n))
	}
	if res.Failed() {
		r.log.Warn("batch processed with failures", fields...)
	} else {
		r.log.Info("batch processed", fields...)
	}
	return res
}

// Drain blocks until no Process call is running or ctx is done. Callers
// drain before closing the store so late sends still get committed.
func (r *Relay) Drain(ctx context.Context) error { return r.active.wait(ctx) }

// InFlight reports how many Process calls are running.
func (r *Relay) InFlight() int { return r.active.count() }

// MaxTaskDuration is the longest one task can spend on messenger calls:
// every attempt timing out plus the longest wait between attempts.
func (r *Relay) MaxTaskDuration() time.Duration {
	o := r.opt
	return time.Duration(o.RetryMax)*o.CallTimeout + time.Duration(o.RetryMax-1)*o.RetryMaxDelay
}

// Run executes one task: lock the target, decide, call the messenger, commit.
func (r *Relay) Run(ctx context.Context, t Task) TargetResult {
	tr := TargetResult{Destination: string(t.Destination)}
	log := r.log.With(
		logx.String("batch_id", t.BatchID),
		logx.String("alert_key", string(t.AlertKey)),
		logx.String("destination", string(t.Destination)),
		logx.String("status", string(t.Status)),
	)

	unlock, err := r.machine.Lock(ctx, t.AlertKey, t.Destination)
	if err != nil {
		tr.Disposition = DispositionDeliveryFailed
		tr.Error = err.Error()
		log.Warn("could not acquire target lock", logx.Err(err))
		r.publish(eventbus.TypeFailed, t, tr)
		return tr
	}
	defer unlock()

	dec, err := r.machine.Decide(ctx, t.AlertKey, t.Destination, t.Status)
	if err != nil {
		tr.Disposition = DispositionPersistenceFailed
		tr.Error = err.Error()
		log.Error("state lookup failed; nothing sent", logx.Err(err))
		r.publish(eventbus.TypePersistFailed, t, tr)
		return tr
	}
	tr.Action = dec.Action.String()

	var out Outcome
	switch dec.Action {
	case ActionSuppress:
		tr.Disposition = DispositionSuppressed
		log.Debug("suppressed")
		r.publish(eventbus.TypeSuppressed, t, tr)
		return tr
	case ActionEditMissing:
		tr.Disposition = DispositionEditMissing
		log.Info("resolved alert has no message to edit")
		r.publish(eventbus.TypeEditMissing, t, tr)
		return tr
	case ActionSendNew:
		out, tr.Attempts = r.send(ctx, log, t)
	case ActionEditExisting:
		out, tr.Attempts = r.edit(ctx, log, t, dec.Handle)
	default:
		out = Failed(fmt.Errorf("unexpected action %s", dec.Action))
	}

	if !out.OK() {
		tr.Disposition = DispositionDeliveryFailed
		tr.Error = out.Err.Error()
		log.Warn("delivery failed", logx.String("action", tr.Action), logx.Int("attempts", tr.Attempts), logx.Err(out.Err))
		r.publish(eventbus.TypeFailed, t, tr)
		return tr
	}
	tr.Handle = out.Handle

	if err := r.machine.Commit(ctx, t.AlertKey, t.Destination, t.Status, out); err != nil {
		tr.Disposition = DispositionPersistenceFailed
		tr.Error = err.Error()
		r.publish(eventbus.TypePersistFailed, t, tr)
		return tr
	}

	if dec.Action == ActionSendNew {
		tr.Disposition = DispositionSent
		log.Info("message sent", logx.String("handle", out.Handle))
		r.publish(eventbus.TypeSent, t, tr)
	} else {
		tr.Disposition = DispositionEdited
		log.Info("message edited", logx.String("handle", out.Handle))
		r.publish(eventbus.TypeEdited, t, tr)
	}
	return tr
}

func (r *Relay) send(ctx context.Context, log logx.Logger, t Task) (Outcome, int) {
	var handle string
	attempts, err := r.withRetry(ctx, log, func(cctx context.Context) error {
		h, err := r.msg.Send(cctx, string(t.Destination), t.Text)
		if err == nil && h == "" {
			return errors.New("messenger returned an empty handle")
		}
		handle = h
		return err
	})
	if err != nil {
		return Failed(err), attempts
	}
	return Delivered(handle), attempts
}

func (r *Relay) edit(ctx context.Context, log logx.Logger, t Task, handle string) (Outcome, int) {
	attempts, err := r.withRetry(ctx, log, func(cctx context.Context) error {
		return r.msg.Edit(cctx, string(t.Destination), handle, t.Text)
	})
	if err != nil {
		return Failed(err), attempts
	}
	// The same message carries the whole incident.
	return Delivered(handle), attempts
}

// withRetry runs call up to RetryMax times, each under its own CallTimeout.
func (r *Relay) withRetry(ctx context.Context, log logx.Logger, call func(context.Context) error) (int, error) {
	var err error
	attempt := 0
	for attempt < r.opt.RetryMax {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, r.opt.CallTimeout)
		err = call(cctx)
		cancel()
		if err == nil || !retryable(err) || attempt == r.opt.RetryMax {
			break
		}
		wait := r.retry.waitFor(err, attempt)
		if wait > r.opt.RetryMaxDelay {
			// Alertmanager re-sends unresolved alerts; waiting out a long flood-wait here would stall the batch.
			log.Warn("flood-wait exceeds retry budget, giving up", logx.Duration("wait", wait), logx.Err(err))
			break
		}
		log.Debug("messenger call failed, retrying", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		if serr := sleepCtx(ctx, wait); serr != nil {
			break
		}
	}
	return attempt, err
}

func (r *Relay) publish(typ string, t Task, tr TargetResult) {
	r.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Delivery{
		BatchID:     t.BatchID,
		AlertKey:    string(t.AlertKey),
		Destination: string(t.Destination),
		Status:      string(t.Status),
		Handle:      tr.Handle,
		Attempts:    tr.Attempts,
		Err:         tr.Error,
	}})
}
