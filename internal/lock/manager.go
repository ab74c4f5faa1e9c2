// Package lock serializes mutations of a shared resource across independent
// service instances. A lock exists only as a single key in a shared store;
// holding it is proven by the opaque token handed out on acquire.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lease describes a successfully acquired lock.
type Lease struct {
	Key   string
	Token string
	// Fence increases with every successful acquire of the same key. Writers
	// can hand it to the protected resource so stale holders are rejected.
	Fence     uint64
	ExpiresAt time.Time
}

// Manager acquires and releases locks. Contention is not an error: Acquire
// reports it with ok=false, and Release reports a missing or foreign token
// with released=false. Errors are reserved for store faults and bad input.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
	Release(ctx context.Context, key, token string) (released bool, err error)
}

var (
	ErrEmptyKey   = errors.New("lock key is required")
	ErrEmptyToken = errors.New("lock token is required")
	ErrInvalidTTL = errors.New("lock ttl must be positive")

	// ErrReservedKey rejects keys the store uses for its own bookkeeping.
	ErrReservedKey = errors.New("lock key is reserved")

	// ErrNotAcquired is returned by WithLock when the lock stayed busy until
	// the wait deadline or the context was canceled.
	ErrNotAcquired = errors.New("lock not acquired")
)

// StoreError wraps a failure talking to the lock store. It is never used for
// contention.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("lock %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err came from the lock store rather than
// from contention or validation.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

func storeError(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

func validateAcquire(key string, ttl time.Duration) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	return key, nil
}

func validateRelease(key, token string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}
	if token == "" {
		return "", ErrEmptyToken
	}
	return key, nil
}
