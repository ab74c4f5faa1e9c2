package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(started)
		route := routeLabel(r.URL.Path)
		metrics.GetOrCreateCounter(fmt.Sprintf(`ticketd_http_requests_total{route=%q,method=%q,status="%d"}`, route, r.Method, rec.status)).Inc()
		metrics.GetOrCreateHistogram(fmt.Sprintf(`ticketd_http_request_duration_seconds{route=%q}`, route)).Update(elapsed.Seconds())

		if route == "/healthz" || route == "/metrics" {
			return
		}
		level := zap.InfoLevel
		if rec.status >= http.StatusInternalServerError {
			level = zap.ErrorLevel
		}
		s.logger.Check(level, "http request").Write(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", elapsed),
			zap.String("client", requestClientIdentity(r)),
		)
	})
}

// routeLabel collapses ticket ids so metric label sets stay bounded.
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/v1")
	switch {
	case path == "/healthz", path == "/metrics":
		return path
	case trimmed == "/tickets":
		return "/v1/tickets"
	case strings.HasPrefix(trimmed, "/tickets/"):
		parts := strings.Split(strings.Trim(strings.TrimPrefix(trimmed, "/tickets/"), "/"), "/")
		switch {
		case len(parts) == 1:
			return "/v1/tickets/{id}"
		case len(parts) == 2 && (parts[1] == "assign" || parts[1] == "status"):
			return "/v1/tickets/{id}/" + parts[1]
		default:
			return "other"
		}
	default:
		return "other"
	}
}
