package ticket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/lock"
)

const (
	DefaultLockTTL  = 5 * time.Second
	DefaultLockWait = 300 * time.Millisecond
)

type Options struct {
	// LockTTL should comfortably exceed the time a mutation takes.
	LockTTL  time.Duration
	LockWait time.Duration
	Backoff  lock.Backoff
	Logger   *zap.Logger
}

// Service applies ticket mutations. Every mutation runs under the ticket's
// lock and saves with the lease fence, so concurrent instances sharing the
// same lock store and repository never interleave read-modify-write cycles.
type Service struct {
	repo    Repository
	locks   lock.Manager
	ttl     time.Duration
	wait    time.Duration
	backoff lock.Backoff
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(repo Repository, locks lock.Manager, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Backoff == (lock.Backoff{}) {
		opts.Backoff = lock.DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		locks:   locks,
		ttl:     opts.LockTTL,
		wait:    opts.LockWait,
		backoff: opts.Backoff,
		logger:  opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, input CreateInput) (Ticket, error) {
	created, err := newTicket(input, s.now())
	if err != nil {
		return Ticket{}, err
	}
	if err := s.repo.Create(ctx, created); err != nil {
		return Ticket{}, err
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Ticket, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Assign(ctx context.Context, id uuid.UUID, assigneeID string) (Ticket, error) {
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return Ticket{}, invalid("assignee_id", "is required")
	}
	return s.mutate(ctx, id, func(t *Ticket) error {
		return t.assign(assigneeID, s.now())
	})
}

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (Ticket, error) {
	if !status.Valid() {
		_, err := ParseStatus(string(status))
		return Ticket{}, err
	}
	return s.mutate(ctx, id, func(t *Ticket) error {
		t.setStatus(status, s.now())
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, change func(*Ticket) error) (Ticket, error) {
	key := lock.TicketKey(id.String())

	var updated Ticket
	err := lock.WithLock(ctx, s.locks, key, s.ttl, s.wait, func(ctx context.Context, lease lock.Lease) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := change(&current); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, current, lease.Fence); err != nil {
			return err
		}
		current.Fence = lease.Fence
		updated = current
		return nil
	}, lock.WithBackoff(s.backoff), lock.OnRelease(s.logRelease))
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, err)
	}
	return updated, nil
}

func (s *Service) logRelease(lease lock.Lease, released bool, err error) {
	switch {
	case err != nil:
		s.logger.Warn("lock release failed", zap.String("key", lease.Key), zap.Error(err))
	case !released:
		s.logger.Debug("lock was not released, token expired or taken over", zap.String("key", lease.Key))
	}
}
