package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const ticketColumns = `id, subject, description, status, user_id, assignee_id, fence, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, t Ticket) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO tickets (`+ticketColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, t.ID, t.Subject, t.Description, string(t.Status), t.UserID, nullableString(t.AssigneeID), int64(t.Fence), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Ticket, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (r *PostgresRepository) Update(ctx context.Context, t Ticket, fence uint64) error {
	result, err := r.pool.Exec(ctx, `
UPDATE tickets
SET
	subject = $2,
	description = $3,
	status = $4,
	assignee_id = $5,
	updated_at = $6,
	fence = $7
WHERE id = $1 AND fence <= $7
`, t.ID, t.Subject, t.Description, string(t.Status), nullableString(t.AssigneeID), t.UpdatedAt, int64(fence))
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check ticket: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleFence
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS tickets (
	id UUID PRIMARY KEY,
	subject TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	user_id TEXT NOT NULL,
	assignee_id TEXT,
	fence BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_assignee_id ON tickets (assignee_id);`,
	}

	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize tickets schema: %w", err)
		}
	}
	return nil
}

func scanTicket(row pgx.Row) (Ticket, error) {
	var (
		out      Ticket
		status   string
		assignee *string
		fence    int64
	)
	err := row.Scan(&out.ID, &out.Subject, &out.Description, &status, &out.UserID, &assignee, &fence, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, err
	}
	out.Status = Status(strings.TrimSpace(status))
	if assignee != nil {
		out.AssigneeID = *assignee
	}
	out.Fence = uint64(fence)
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func nullableString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
