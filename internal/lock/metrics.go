package lock

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	acquireAcquired = metrics.NewCounter(`ticketd_lock_acquire_total{result="acquired"}`)
	acquireBusy     = metrics.NewCounter(`ticketd_lock_acquire_total{result="busy"}`)
	acquireError    = metrics.NewCounter(`ticketd_lock_acquire_total{result="error"}`)

	releaseReleased = metrics.NewCounter(`ticketd_lock_release_total{result="released"}`)
	releaseNotOwned = metrics.NewCounter(`ticketd_lock_release_total{result="not_owned"}`)
	releaseError    = metrics.NewCounter(`ticketd_lock_release_total{result="error"}`)

	waitAcquired = metrics.NewHistogram(`ticketd_lock_wait_seconds{result="acquired"}`)
	waitGaveUp   = metrics.NewHistogram(`ticketd_lock_wait_seconds{result="gave_up"}`)
)

// Instrumented counts acquire and release outcomes of the wrapped Manager.
type Instrumented struct {
	next Manager
}

var _ Manager = (*Instrumented)(nil)

func Instrument(next Manager) *Instrumented {
	return &Instrumented{next: next}
}

func (i *Instrumented) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	lease, ok, err := i.next.Acquire(ctx, key, ttl)
	switch {
	case err != nil:
		acquireError.Inc()
	case ok:
		acquireAcquired.Inc()
	default:
		acquireBusy.Inc()
	}
	return lease, ok, err
}

func (i *Instrumented) Release(ctx context.Context, key, token string) (bool, error) {
	released, err := i.next.Release(ctx, key, token)
	switch {
	case err != nil:
		releaseError.Inc()
	case released:
		releaseReleased.Inc()
	default:
		releaseNotOwned.Inc()
	}
	return released, err
}

func observeWait(d time.Duration, acquired bool) {
	if acquired {
		waitAcquired.Update(d.Seconds())
		return
	}
	waitGaveUp.Update(d.Seconds())
}
