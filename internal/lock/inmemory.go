package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryEntry struct {
	token     string
	expiresAt time.Time
}

// InMemoryManager implements Manager inside a single process. It is only
// safe to use when every contender shares the same instance, which makes it
// suitable for tests and single-node development runs.
type InMemoryManager struct {
	mu      sync.Mutex
	now     func() time.Time
	fences  map[string]uint64
	entries map[string]inMemoryEntry
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		now:     time.Now,
		fences:  make(map[string]uint64),
		entries: make(map[string]inMemoryEntry),
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok && now.Before(existing.expiresAt) {
		return Lease{}, false, nil
	}

	m.fences[key]++
	lease := Lease{
		Key:       key,
		Token:     uuid.NewString(),
		Fence:     m.fences[key],
		ExpiresAt: now.Add(ttl),
	}
	m.entries[key] = inMemoryEntry{
		token:     lease.Token,
		expiresAt: lease.ExpiresAt,
	}
	return lease, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, key, token string) (bool, error) {
	key, err := validateRelease(key, token)
	if err != nil {
		return false, err
	}

	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !now.Before(existing.expiresAt) {
		delete(m.entries, key)
		return false, nil
	}
	if existing.token != token {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}
