package delivery

import (
	"context"
	"errors"
	"math/rand"
	"time"

	kit "alertrelay/internal/transport"
)

type backoff struct {
	Base     time.Duration
	MaxDelay time.Duration
}

// delay returns the wait before attempt+1. attempt starts at 1.
func (b backoff) delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := b.MaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}

type retryAfter interface {
	RetryAfter() time.Duration
}

// waitFor picks the pause after a failed attempt. A platform flood-wait
// overrides the computed backoff.
func (b backoff) waitFor(err error, attempt int) time.Duration {
	var ra retryAfter
	if errors.As(err, &ra) {
		if w := ra.RetryAfter(); w > 0 {
			return w
		}
	}
	return b.delay(attempt)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, kit.ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
