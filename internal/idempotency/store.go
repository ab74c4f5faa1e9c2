package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrEmptyScope = errors.New("idempotency scope is required")
	ErrEmptyKey   = errors.New("idempotency key is required")
)

// Response is a completed response replayed for repeated requests that carry
// the same idempotency key.
type Response struct {
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body"`
	RequestHash string      `json:"request_hash"`
	StoredAt    time.Time   `json:"stored_at"`
}

// Store caches responses by scope and client key. Mutual exclusion between
// requests in flight is the caller's concern.
type Store interface {
	Lookup(ctx context.Context, scope, key string) (Response, bool, error)
	Remember(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error
}

// Fingerprint derives the storage key for a scope and client-supplied key.
// Client keys are hashed so arbitrary header values never reach the store.
func Fingerprint(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", ErrEmptyScope
	}
	if key == "" {
		return "", ErrEmptyKey
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

// HashRequest identifies a request body so a reused key with a different
// payload can be told apart from a retry.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (r Response) clone() Response {
	r.Body = append([]byte(nil), r.Body...)
	r.Header = r.Header.Clone()
	return r
}
