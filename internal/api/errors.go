package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/lock"
	"github.com/VenkatGGG/ticketing/internal/ticket"
	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

// writeError maps service and decoding errors to status codes. Lock store
// faults become 503 so clients can tell an outage from a busy ticket.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var decodeErr *httpx.DecodeError
	var validationErr *ticket.ValidationError
	switch {
	case errors.As(err, &decodeErr):
		httpx.WriteError(w, decodeErr.Status, "invalid_json", decodeErr.Message)
	case errors.As(err, &validationErr):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", validationErr.Error())
	case errors.Is(err, ticket.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "ticket not found")
	case errors.Is(err, lock.ErrNotAcquired):
		httpx.WriteError(w, http.StatusConflict, "ticket_locked", "ticket is locked by another process")
	case errors.Is(err, ticket.ErrStaleFence):
		httpx.WriteError(w, http.StatusConflict, "lock_lost", "ticket lock expired before the update was saved")
	case errors.Is(err, ticket.ErrTicketClosed):
		httpx.WriteError(w, http.StatusConflict, "ticket_closed", "closed tickets cannot be reassigned")
	case errors.Is(err, ticket.ErrAlreadyExists):
		httpx.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case lock.IsStoreError(err):
		s.logger.Error("lock store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, http.StatusServiceUnavailable, "lock_unavailable", "lock store is unavailable, retry later")
	default:
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
