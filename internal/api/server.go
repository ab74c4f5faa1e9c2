package api

import (
	"context"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/idempotency"
	"github.com/VenkatGGG/ticketing/internal/lock"
	"github.com/VenkatGGG/ticketing/internal/ticket"
	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

// TicketService is the part of ticket.Service the HTTP layer drives.
type TicketService interface {
	Create(ctx context.Context, input ticket.CreateInput) (ticket.Ticket, error)
	Get(ctx context.Context, id uuid.UUID) (ticket.Ticket, error)
	Assign(ctx context.Context, id uuid.UUID, assigneeID string) (ticket.Ticket, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ticket.Status) (ticket.Ticket, error)
}

type Options struct {
	Logger *zap.Logger
	// APIKey, when set, is required on mutating routes.
	APIKey     string
	RateLimit  int
	RateWindow time.Duration

	// Idempotency and Locks together enable Idempotency-Key handling on
	// ticket creation.
	Idempotency     idempotency.Store
	Locks           lock.Manager
	IdempotencyTTL  time.Duration
	IdempotencyWait time.Duration
}

type Server struct {
	tickets         TicketService
	logger          *zap.Logger
	requiredAPIKey  string
	rateLimiter     *fixedWindowLimiter
	idempotency     idempotency.Store
	locks           lock.Manager
	idempotencyTTL  time.Duration
	idempotencyWait time.Duration
}

func NewServer(tickets TicketService, opts Options) *Server {
	s := &Server{
		tickets:         tickets,
		logger:          opts.Logger,
		requiredAPIKey:  opts.APIKey,
		idempotency:     opts.Idempotency,
		locks:           opts.Locks,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyWait: opts.IdempotencyWait,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if opts.RateLimit > 0 {
		s.rateLimiter = newFixedWindowLimiter(opts.RateLimit, opts.RateWindow)
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = 24 * time.Hour
	}
	if s.idempotencyWait <= 0 {
		s.idempotencyWait = 4 * time.Second
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/tickets", s.handleTickets)
	mux.HandleFunc("/v1/tickets/", s.handleTicketByID)
	mux.HandleFunc("/tickets", s.handleTickets)
	mux.HandleFunc("/tickets/", s.handleTicketByID)

	return s.withAccessLog(s.withAPISecurity(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}
