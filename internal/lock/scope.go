package lock

import (
	"context"
	"time"
)

const releaseTimeout = 2 * time.Second

// ReleaseFunc observes the release that ends a scoped acquisition.
type ReleaseFunc func(lease Lease, released bool, err error)

type scopeOptions struct {
	backoff   Backoff
	onRelease ReleaseFunc
}

type ScopeOption func(*scopeOptions)

// WithBackoff overrides DefaultBackoff for a scoped acquisition.
func WithBackoff(b Backoff) ScopeOption {
	return func(o *scopeOptions) {
		o.backoff = b
	}
}

// OnRelease registers a callback invoked after the lock is released, with
// released=false when the lease had already expired or been taken over.
func OnRelease(fn ReleaseFunc) ScopeOption {
	return func(o *scopeOptions) {
		o.onRelease = fn
	}
}

// WithLock acquires key, runs fn while holding it and releases it on every
// exit path, including a panic in fn. It returns ErrNotAcquired when the
// lock stayed busy for maxWait, a *StoreError when the store failed during
// acquire, and otherwise whatever fn returned. Release outcomes never change
// the returned error: by then fn has already run.
func WithLock(ctx context.Context, m Manager, key string, ttl, maxWait time.Duration, fn func(ctx context.Context, lease Lease) error, opts ...ScopeOption) error {
	options := scopeOptions{backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&options)
	}

	lease, ok, err := NewRetrier(m, options.backoff).AcquireWithRetry(ctx, key, ttl, maxWait)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	defer func() {
		// Release even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, releaseErr := m.Release(releaseCtx, lease.Key, lease.Token)
		if options.onRelease != nil {
			options.onRelease(lease, released, releaseErr)
		}
	}()

	return fn(ctx, lease)
}
