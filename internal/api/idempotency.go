package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/idempotency"
	"github.com/VenkatGGG/ticketing/internal/lock"
	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// handleIdempotentRequest runs execute at most once per Idempotency-Key and
// scope. Requests with the same key are serialized on a lock derived from
// the key; later ones replay the stored response. It returns false when the
// request carries no key or idempotency is not configured.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope, requestHash string, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil || s.locks == nil {
		return false
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}
	if len(key) > 255 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key must be at most 255 characters")
		return true
	}

	if cached, ok, err := s.idempotency.Lookup(r.Context(), scope, key); err != nil {
		s.logger.Error("idempotency lookup failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", "idempotency lookup failed")
		return true
	} else if ok {
		writeCachedResponse(w, cached, requestHash)
		return true
	}

	fingerprint, err := idempotency.Fingerprint(scope, key)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_idempotency_key", err.Error())
		return true
	}

	var outcome *httptest.ResponseRecorder
	var replay *idempotency.Response
	err = lock.WithLock(r.Context(), s.locks, lock.Key("idempotency", fingerprint), s.idempotencyWait*2, s.idempotencyWait,
		func(ctx context.Context, _ lock.Lease) error {
			// A concurrent holder may have finished while this request waited.
			cached, ok, err := s.idempotency.Lookup(ctx, scope, key)
			if err != nil {
				return err
			}
			if ok {
				replay = &cached
				return nil
			}

			outcome = httptest.NewRecorder()
			execute(outcome)
			if outcome.Code >= http.StatusInternalServerError {
				return nil
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.idempotencyWait)
			defer cancel()
			if err := s.idempotency.Remember(saveCtx, scope, key, idempotency.Response{
				Status:      outcome.Code,
				Header:      outcome.Header().Clone(),
				Body:        outcome.Body.Bytes(),
				RequestHash: requestHash,
			}, s.idempotencyTTL); err != nil {
				s.logger.Warn("idempotent response not stored", zap.String("scope", scope), zap.Error(err))
			}
			return nil
		})

	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
	case err != nil:
		s.writeError(w, r, err)
	case replay != nil:
		writeCachedResponse(w, *replay, requestHash)
	default:
		copyResponse(w, outcome)
	}
	return true
}

func writeCachedResponse(w http.ResponseWriter, cached idempotency.Response, requestHash string) {
	if cached.RequestHash != "" && cached.RequestHash != requestHash {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was already used with a different request body")
		return
	}
	for key, values := range cached.Header {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.Header().Set(replayedHeader, "true")
	status := cached.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(cached.Body)
}

func copyResponse(w http.ResponseWriter, rec *httptest.ResponseRecorder) {
	for key, values := range rec.Header() {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}
