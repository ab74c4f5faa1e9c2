package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/VenkatGGG/ticketing/internal/idempotency"
	"github.com/VenkatGGG/ticketing/internal/ticket"
	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

const createTicketScope = "tickets:create"

type createTicketRequest struct {
	UserID      string `json:"user_id"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

type assignTicketRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTicket(w, r)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	path = strings.TrimPrefix(path, "/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_ticket_id", "ticket id is required")
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(parts[0]))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_ticket_id", "ticket id must be a uuid")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	} else if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.getTicket(w, r, id)
	case "assign":
		if r.Method != http.MethodPatch {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.assignTicket(w, r, id)
	case "status":
		if r.Method != http.MethodPatch {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.updateTicketStatus(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createTicket(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpx.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "invalid_json", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body could not be read")
		return
	}

	execute := func(w http.ResponseWriter) {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var req createTicketRequest
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := s.tickets.Create(r.Context(), ticket.CreateInput{
			UserID:      req.UserID,
			Subject:     req.Subject,
			Description: req.Description,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/tickets/"+created.ID.String())
		httpx.WriteJSON(w, http.StatusCreated, created)
	}

	if s.handleIdempotentRequest(w, r, createTicketScope, idempotency.HashRequest(raw), execute) {
		return
	}
	execute(w)
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	found, err := s.tickets.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, found)
}

func (s *Server) assignTicket(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req assignTicketRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.tickets.Assign(r.Context(), id, req.AssigneeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) updateTicketStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req updateStatusRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := ticket.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.tickets.UpdateStatus(r.Context(), id, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}
