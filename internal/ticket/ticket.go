// Package ticket holds the support ticket model, its repositories and the
// service that serializes ticket mutations through internal/lock.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
)

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrAlreadyExists = errors.New("ticket already exists")
	ErrTicketClosed  = errors.New("ticket is closed")
	// ErrStaleFence means the writer's lock was superseded by a newer holder
	// before it could save.
	ErrStaleFence = errors.New("ticket was updated under a newer lock")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", invalid("status", fmt.Sprintf("must be one of %s, %s, %s, %s", StatusOpen, StatusInProgress, StatusResolved, StatusClosed))
	}
	return status, nil
}

type Ticket struct {
	ID          uuid.UUID `json:"ticket_id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	UserID      string    `json:"user_id"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// Fence is the lock fence of the last accepted update.
	Fence uint64 `json:"-"`
}

type CreateInput struct {
	UserID      string
	Subject     string
	Description string
}

func newTicket(input CreateInput, now time.Time) (Ticket, error) {
	userID := strings.TrimSpace(input.UserID)
	subject := strings.TrimSpace(input.Subject)
	if userID == "" {
		return Ticket{}, invalid("user_id", "is required")
	}
	if subject == "" {
		return Ticket{}, invalid("subject", "is required")
	}
	return Ticket{
		ID:          uuid.New(),
		Subject:     subject,
		Description: input.Description,
		Status:      StatusOpen,
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (t *Ticket) assign(assigneeID string, now time.Time) error {
	if t.Status == StatusClosed {
		return ErrTicketClosed
	}
	t.AssigneeID = assigneeID
	t.UpdatedAt = now
	return nil
}

func (t *Ticket) setStatus(status Status, now time.Time) {
	t.Status = status
	t.UpdatedAt = now
}
