package idempotency

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	resp      Response
	expiresAt time.Time
}

type InMemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]cachedResponse
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		items: make(map[string]cachedResponse),
	}
}

func (s *InMemoryStore) Lookup(_ context.Context, scope, key string) (Response, bool, error) {
	fp, err := Fingerprint(scope, key)
	if err != nil {
		return Response{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[fp]
	if !ok {
		return Response{}, false, nil
	}
	if s.now().After(item.expiresAt) {
		delete(s.items, fp)
		return Response{}, false, nil
	}
	return item.resp.clone(), true, nil
}

func (s *InMemoryStore) Remember(_ context.Context, scope, key string, resp Response, ttl time.Duration) error {
	fp, err := Fingerprint(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if resp.StoredAt.IsZero() {
		resp.StoredAt = now
	}
	s.items[fp] = cachedResponse{resp: resp.clone(), expiresAt: now.Add(ttl)}
	s.pruneLocked(now)
	return nil
}

func (s *InMemoryStore) pruneLocked(now time.Time) {
	if len(s.items) < 1024 {
		return
	}
	for fp, item := range s.items {
		if now.After(item.expiresAt) {
			delete(s.items, fp)
		}
	}
}
