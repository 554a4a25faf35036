package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

type MachineOptions struct {
	// StoreTimeout bounds every single store call.
	StoreTimeout time.Duration
	// PersistRetryMax is how many times a failed commit write is attempted in total.
	PersistRetryMax int
	PersistBackoff  backoff

	Now func() time.Time
}

// Machine is the de-duplication state machine. Decide reads the last known
// record for a target; Commit writes the result of acting on that decision.
type Machine struct {
	store storage.Store
	locks *keyedMutex
	log   logx.Logger
	opt   MachineOptions
}

func NewMachine(store storage.Store, log logx.Logger, opt MachineOptions) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.StoreTimeout <= 0 {
		opt.StoreTimeout = 5 * time.Second
	}
	if opt.PersistRetryMax <= 0 {
		opt.PersistRetryMax = 3
	}
	if opt.PersistBackoff.Base <= 0 {
		opt.PersistBackoff.Base = 200 * time.Millisecond
	}
	if opt.PersistBackoff.MaxDelay <= 0 {
		opt.PersistBackoff.MaxDelay = 2 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Machine{
		store: store,
		locks: newKeyedMutex(),
		log:   log.With(logx.String("comp", "delivery.machine")),
		opt:   opt,
	}
}

// MaxCommitDuration bounds one Decide plus one Commit with every retry.
func (m *Machine) MaxCommitDuration() time.Duration {
	o := m.opt
	return time.Duration(o.PersistRetryMax+1)*o.StoreTimeout + time.Duration(o.PersistRetryMax-1)*o.PersistBackoff.MaxDelay
}

func lockKey(key alert.Key, dest alert.Destination) string {
	return string(dest) + "\x00" + string(key)
}

// Lock serializes Decide, delivery and Commit for one target. Different
// targets never share a lock.
func (m *Machine) Lock(ctx context.Context, key alert.Key, dest alert.Destination) (func(), error) {
	return m.locks.Lock(ctx, lockKey(key, dest))
}

// Decide applies the decision table:
//
//	record     firing         resolved
//	none       SendNew        EditMissing
//	firing     Suppress       EditExisting(handle)
//	resolved   SendNew        Suppress
//
// A store error is returned wrapped in ErrPersistence.
func (m *Machine) Decide(ctx context.Context, key alert.Key, dest alert.Destination, status alert.Status) (Decision, error) {
	if !status.Known() {
		return Decision{}, ErrUnknownStatus
	}
	sctx, cancel := context.WithTimeout(ctx, m.opt.StoreTimeout)
	rec, found, err := m.store.Get(sctx, string(key), string(dest))
	cancel()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: get %s/%s: %v", ErrPersistence, key, dest, err)
	}
	// A firing record without a handle cannot be edited; treat it as absent.
	if found && rec.Status == storage.StatusFiring && rec.MessageID == "" {
		m.log.Warn("firing record without handle", logx.String("alert_key", string(key)), logx.String("destination", string(dest)))
		found = false
	}
	return decide(rec, found, status), nil
}

func decide(rec storage.Record, found bool, status alert.Status) Decision {
	switch {
	case !found && status == alert.StatusFiring:
		return Decision{Action: ActionSendNew}
	case !found:
		return Decision{Action: ActionEditMissing}
	case rec.Status == storage.StatusFiring && status == alert.StatusFiring:
		return Decision{Action: ActionSuppress}
	case rec.Status == storage.StatusFiring:
		return Decision{Action: ActionEditExisting, Handle: rec.MessageID}
	case status == alert.StatusFiring:
		// Re-fire after resolution is a new incident; the old handle is not reused.
		return Decision{Action: ActionSendNew}
	default:
		return Decision{Action: ActionSuppress}
	}
}

// Commit records the outcome of a delivery. Failed outcomes write nothing,
// so the next event re-evaluates from the last good state. Delivered
// outcomes upsert {status, handle, now}; store errors are retried and then
// returned wrapped in ErrPersistence.
func (m *Machine) Commit(ctx context.Context, key alert.Key, dest alert.Destination, status alert.Status, out Outcome) error {
	if !out.OK() {
		return nil
	}
	if !status.Known() {
		return ErrUnknownStatus
	}
	if out.Handle == "" {
		return fmt.Errorf("%w: delivered outcome for %s/%s has no handle", ErrPersistence, key, dest)
	}
	rec := storage.Record{
		AlertKey:    string(key),
		Destination: string(dest),
		Status:      string(status),
		MessageID:   out.Handle,
		UpdatedAt:   m.opt.Now(),
	}

	var err error
	for attempt := 1; attempt <= m.opt.PersistRetryMax; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, m.opt.StoreTimeout)
		err = m.store.Put(sctx, rec)
		cancel()
		if err == nil {
			if attempt > 1 {
				m.log.Info("commit succeeded after retry", logx.String("alert_key", rec.AlertKey), logx.String("destination", rec.Destination), logx.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, storage.ErrDisabled) || ctx.Err() != nil || attempt == m.opt.PersistRetryMax {
			break
		}
		m.log.Warn("commit failed, retrying", logx.String("alert_key", rec.AlertKey), logx.String("destination", rec.Destination), logx.Int("attempt", attempt), logx.Err(err))
		if serr := sleepCtx(ctx, m.opt.PersistBackoff.delay(attempt)); serr != nil {
			break
		}
	}
	m.log.Error("commit failed; message delivered but not recorded",
		logx.String("alert_key", rec.AlertKey),
		logx.String("destination", rec.Destination),
		logx.String("status", rec.Status),
		logx.String("handle", rec.MessageID),
		logx.Err(err),
	)
	return fmt.Errorf("%w: put %s/%s: %v", ErrPersistence, key, dest, err)
}
