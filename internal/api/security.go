package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

var rateLimited = metrics.NewCounter(`ticketd_http_rate_limited_total`)

func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutatingRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if strings.TrimSpace(s.requiredAPIKey) != "" && !requestHasAPIKey(r, s.requiredAPIKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ticketd"`)
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}

		if s.rateLimiter != nil {
			clientKey := requestClientIdentity(r)
			if !s.rateLimiter.Allow(clientKey, time.Now().UTC()) {
				rateLimited.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.window.Seconds())))
				httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// isMutatingRequest matches ticket creation and the PATCH sub-resources.
func isMutatingRequest(r *http.Request) bool {
	path := strings.TrimSpace(r.URL.Path)
	if !strings.HasPrefix(path, "/v1/tickets") && !strings.HasPrefix(path, "/tickets") {
		return false
	}
	switch r.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}

	for _, candidate := range candidates {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func requestClientIdentity(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw != "" {
		return raw
	}
	return "unknown"
}

// fixedWindowLimiter counts requests per client in fixed windows. Each
// client's bucket is updated atomically, so clients never contend.
type fixedWindowLimiter struct {
	limit   int
	window  time.Duration
	clients *xsync.MapOf[string, rateBucket]
	calls   atomic.Uint64
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clients: xsync.NewMapOf[string, rateBucket](),
	}
}

func (l *fixedWindowLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}
	windowStart := now.UTC().Truncate(l.window)

	allowed := false
	l.clients.Compute(key, func(bucket rateBucket, _ bool) (rateBucket, bool) {
		if !bucket.windowStart.Equal(windowStart) {
			bucket = rateBucket{windowStart: windowStart}
		}
		if bucket.count < l.limit {
			bucket.count++
			allowed = true
		}
		return bucket, false
	})

	if l.calls.Add(1)%1024 == 0 {
		l.prune(windowStart)
	}
	return allowed
}

// prune drops buckets from windows that can no longer be hit.
func (l *fixedWindowLimiter) prune(activeWindowStart time.Time) {
	l.clients.Range(func(key string, bucket rateBucket) bool {
		if bucket.windowStart.Before(activeWindowStart) {
			l.clients.Compute(key, func(current rateBucket, loaded bool) (rateBucket, bool) {
				return current, !loaded || current.windowStart.Before(activeWindowStart)
			})
		}
		return true
	})
}
