package ticket

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Repository persists tickets. Update must reject a fence lower than the one
// stored with the ticket, returning ErrStaleFence.
type Repository interface {
	Create(ctx context.Context, t Ticket) error
	Get(ctx context.Context, id uuid.UUID) (Ticket, error)
	Update(ctx context.Context, t Ticket, fence uint64) error
}

type InMemoryRepository struct {
	items *xsync.MapOf[uuid.UUID, Ticket]
}

var _ Repository = (*InMemoryRepository)(nil)

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{items: xsync.NewMapOf[uuid.UUID, Ticket]()}
}

func (r *InMemoryRepository) Create(_ context.Context, t Ticket) error {
	if _, loaded := r.items.LoadOrStore(t.ID, t); loaded {
		return ErrAlreadyExists
	}
	return nil
}

func (r *InMemoryRepository) Get(_ context.Context, id uuid.UUID) (Ticket, error) {
	found, ok := r.items.Load(id)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return found, nil
}

func (r *InMemoryRepository) Update(_ context.Context, t Ticket, fence uint64) error {
	var result error
	r.items.Compute(t.ID, func(current Ticket, loaded bool) (Ticket, bool) {
		if !loaded {
			result = ErrNotFound
			return current, true
		}
		if fence < current.Fence {
			result = ErrStaleFence
			return current, false
		}
		t.Fence = fence
		return t, false
	})
	return result
}
