package lock

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff is a linear backoff with a cap and additive jitter.
type Backoff struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration
	Jitter  time.Duration
}

// DefaultBackoff waits 10ms, 20ms, ... up to 100ms between attempts, each
// interval stretched by up to 5ms of jitter so competing callers drift apart.
var DefaultBackoff = Backoff{
	Initial: 10 * time.Millisecond,
	Step:    10 * time.Millisecond,
	Max:     100 * time.Millisecond,
	Jitter:  5 * time.Millisecond,
}

// Interval returns the pause after the given number of failed attempts,
// counting from zero.
func (b Backoff) Interval(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := b.Initial + time.Duration(attempt)*b.Step
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	if b.Jitter > 0 {
		wait += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return wait
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Step < 0 {
		b.Step = 0
	}
	if b.Max > 0 && b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Retrier layers AcquireWithRetry over any Manager. It holds no lock state
// of its own.
type Retrier struct {
	Manager
	backoff Backoff
}

var _ Manager = (*Retrier)(nil)

func NewRetrier(m Manager, backoff Backoff) *Retrier {
	return &Retrier{Manager: m, backoff: backoff.normalized()}
}

// AcquireWithRetry keeps calling Acquire until it succeeds or maxWait has
// passed. Timeout and context cancellation both yield ok=false with a nil
// error; only store faults and invalid input are returned as errors, and
// they are never retried. The final attempt may start at the deadline, so
// the call can overrun maxWait by one store round trip.
func (r *Retrier) AcquireWithRetry(ctx context.Context, key string, ttl, maxWait time.Duration) (Lease, bool, error) {
	started := time.Now()
	deadline := started.Add(maxWait)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			observeWait(time.Since(started), false)
			return Lease{}, false, nil
		}
		lease, ok, err := r.Acquire(ctx, key, ttl)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				observeWait(time.Since(started), false)
				return Lease{}, false, nil
			}
			return Lease{}, false, err
		}
		if ok {
			observeWait(time.Since(started), true)
			return lease, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			observeWait(time.Since(started), false)
			return Lease{}, false, nil
		}
		wait := r.backoff.Interval(attempt)
		if wait > remaining {
			wait = remaining
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			observeWait(time.Since(started), false)
			return Lease{}, false, nil
		case <-timer.C:
		}
	}
}

// AcquireWithRetry retries m.Acquire with DefaultBackoff.
func AcquireWithRetry(ctx context.Context, m Manager, key string, ttl, maxWait time.Duration) (Lease, bool, error) {
	return NewRetrier(m, DefaultBackoff).AcquireWithRetry(ctx, key, ttl, maxWait)
}
