package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/ticketing/internal/idempotency"
	"github.com/VenkatGGG/ticketing/internal/lock"
	"github.com/VenkatGGG/ticketing/internal/ticket"
	"github.com/VenkatGGG/ticketing/pkg/httpx"
)

type fixture struct {
	handler http.Handler
	locks   *lock.InMemoryManager
	repo    ticket.Repository
}

func newFixture(t *testing.T, repo ticket.Repository, opts Options) fixture {
	t.Helper()
	if repo == nil {
		repo = ticket.NewInMemoryRepository()
	}
	locks := lock.NewInMemoryManager()
	if opts.Locks == nil {
		opts.Locks = locks
	}
	svc := ticket.NewService(repo, opts.Locks, ticket.Options{LockTTL: time.Second, LockWait: 50 * time.Millisecond})
	return fixture{handler: NewServer(svc, opts).Routes(), locks: locks, repo: repo}
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeTicket(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out httpx.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out.Code
}

func createTicket(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/v1/tickets", map[string]string{
		"user_id":     "user-1",
		"subject":     "Login fails",
		"description": "Cannot log in since the last release",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeTicket(t, rr)["ticket_id"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rr := do(t, f.handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetricsEndpointExposesLockCounters(t *testing.T) {
	f := newFixture(t, nil, Options{Locks: lock.Instrument(lock.NewInMemoryManager())})
	id := createTicket(t, f.handler)
	require.Equal(t, http.StatusOK, do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-1"}).Code)

	rr := do(t, f.handler, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `ticketd_lock_acquire_total{result="acquired"}`)
	assert.Contains(t, rr.Body.String(), `ticketd_http_requests_total{route="/v1/tickets/{id}/assign"`)
}

func TestTicketLifecycle(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rr := do(t, f.handler, http.MethodPost, "/v1/tickets", map[string]string{
		"user_id": "user-1",
		"subject": "Login fails",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeTicket(t, rr)
	id := created["ticket_id"].(string)
	assert.Equal(t, "/v1/tickets/"+id, rr.Header().Get("Location"))
	assert.Equal(t, "OPEN", created["status"])
	assert.Equal(t, "user-1", created["user_id"])
	assert.NotContains(t, created, "assignee_id")
	assert.NotContains(t, created, "Fence")

	rr = do(t, f.handler, http.MethodGet, "/v1/tickets/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Login fails", decodeTicket(t, rr)["subject"])

	rr = do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-7"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "agent-7", decodeTicket(t, rr)["assignee_id"])

	rr = do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/status", map[string]string{"status": "in_progress"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decodeTicket(t, rr)
	assert.Equal(t, "IN_PROGRESS", updated["status"])
	assert.Equal(t, "agent-7", updated["assignee_id"])

	_, ok, err := f.locks.Acquire(context.Background(), lock.TicketKey(id), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "ticket lock must be free after requests complete")
}

func TestLegacyRoutes(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rr := do(t, f.handler, http.MethodPost, "/tickets", map[string]string{"user_id": "user-1", "subject": "Printer"})
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decodeTicket(t, rr)["ticket_id"].(string)

	assert.Equal(t, http.StatusOK, do(t, f.handler, http.MethodGet, "/tickets/"+id, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, f.handler, http.MethodPatch, "/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-1"}).Code)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil, Options{})
	id := createTicket(t, f.handler)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/v1/tickets", `{"user_id":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", http.MethodPost, "/v1/tickets", `{"user_id":"u","subject":"s","priority":1}`, http.StatusBadRequest, "invalid_json"},
		{"missing subject", http.MethodPost, "/v1/tickets", map[string]string{"user_id": "u"}, http.StatusBadRequest, "invalid_request"},
		{"missing assignee", http.MethodPatch, "/v1/tickets/" + id + "/assign", map[string]string{"assignee_id": " "}, http.StatusBadRequest, "invalid_request"},
		{"unknown status", http.MethodPatch, "/v1/tickets/" + id + "/status", map[string]string{"status": "DONE"}, http.StatusBadRequest, "invalid_request"},
		{"bad id", http.MethodGet, "/v1/tickets/not-a-uuid", nil, http.StatusBadRequest, "invalid_ticket_id"},
		{"unknown ticket", http.MethodGet, "/v1/tickets/" + uuid.NewString(), nil, http.StatusNotFound, "not_found"},
		{"assign unknown ticket", http.MethodPatch, "/v1/tickets/" + uuid.NewString() + "/assign", map[string]string{"assignee_id": "a"}, http.StatusNotFound, "not_found"},
		{"wrong method", http.MethodPost, "/v1/tickets/" + id + "/assign", map[string]string{"assignee_id": "a"}, http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, f.handler, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
			assert.Equal(t, tc.code, decodeErrorCode(t, rr))
		})
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestCreateBodyReadFailures(t *testing.T) {
	f := newFixture(t, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tickets", failingBody{})
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_json", decodeErrorCode(t, rr))

	oversized := `{"user_id":"u","subject":"` + strings.Repeat("a", httpx.MaxBodyBytes) + `"}`
	rr = do(t, f.handler, http.MethodPost, "/v1/tickets", oversized)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "invalid_json", decodeErrorCode(t, rr))
}

func TestAssignClosedTicket(t *testing.T) {
	f := newFixture(t, nil, Options{})
	id := createTicket(t, f.handler)

	require.Equal(t, http.StatusOK, do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/status", map[string]string{"status": "CLOSED"}).Code)

	rr := do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ticket_closed", decodeErrorCode(t, rr))
}

// gatedRepository parks the first update until released, keeping its
// caller inside the ticket's critical section.
type gatedRepository struct {
	*ticket.InMemoryRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRepository) Update(ctx context.Context, t ticket.Ticket, fence uint64) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.InMemoryRepository.Update(ctx, t, fence)
}

func TestConcurrentAssignOneWinsOtherConflicts(t *testing.T) {
	repo := &gatedRepository{
		InMemoryRepository: ticket.NewInMemoryRepository(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	f := newFixture(t, repo, Options{})
	id := createTicket(t, f.handler)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-1"})
	}()
	<-repo.entered

	second := do(t, f.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-2"})
	close(repo.release)
	winner := <-first

	assert.Equal(t, http.StatusOK, winner.Code, winner.Body.String())
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "ticket_locked", decodeErrorCode(t, second))

	rr := do(t, f.handler, http.MethodGet, "/v1/tickets/"+id, nil)
	assert.Equal(t, "agent-1", decodeTicket(t, rr)["assignee_id"])
}

type unavailableLocks struct{}

func (unavailableLocks) Acquire(_ context.Context, key string, _ time.Duration) (lock.Lease, bool, error) {
	return lock.Lease{}, false, &lock.StoreError{Op: "acquire", Key: key, Err: fmt.Errorf("dial tcp: connection refused")}
}

func (unavailableLocks) Release(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestLockStoreFailureIsServiceUnavailable(t *testing.T) {
	repo := ticket.NewInMemoryRepository()
	healthy := newFixture(t, repo, Options{})
	id := createTicket(t, healthy.handler)

	broken := newFixture(t, repo, Options{Locks: unavailableLocks{}})
	rr := do(t, broken.handler, http.MethodPatch, "/v1/tickets/"+id+"/assign", map[string]string{"assignee_id": "agent-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "lock_unavailable", decodeErrorCode(t, rr))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

type staleService struct {
	TicketService
}

func (staleService) Assign(_ context.Context, id uuid.UUID, _ string) (ticket.Ticket, error) {
	return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", id, ticket.ErrStaleFence)
}

func TestStaleFenceIsLockLost(t *testing.T) {
	h := NewServer(staleService{}, Options{}).Routes()
	rr := do(t, h, http.MethodPatch, "/v1/tickets/"+uuid.NewString()+"/assign", map[string]string{"assignee_id": "agent-1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "lock_lost", decodeErrorCode(t, rr))
}

func TestAPIKeyGuardsMutations(t *testing.T) {
	f := newFixture(t, nil, Options{APIKey: "topsecret"})
	body := map[string]string{"user_id": "user-1", "subject": "Login fails"}

	rr := do(t, f.handler, http.MethodPost, "/v1/tickets", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", decodeErrorCode(t, rr))

	rr = do(t, f.handler, http.MethodPost, "/v1/tickets", body, "Authorization", "Bearer topsecret")
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decodeTicket(t, rr)["ticket_id"].(string)

	assert.Equal(t, http.StatusOK, do(t, f.handler, http.MethodGet, "/v1/tickets/"+id, nil).Code, "reads stay open")
}

func TestRateLimitOnMutations(t *testing.T) {
	f := newFixture(t, nil, Options{RateLimit: 1, RateWindow: time.Hour})
	body := map[string]string{"user_id": "user-1", "subject": "Login fails"}

	assert.Equal(t, http.StatusCreated, do(t, f.handler, http.MethodPost, "/v1/tickets", body).Code)
	rr := do(t, f.handler, http.MethodPost, "/v1/tickets", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))
}

func TestIdempotentCreateReplaysResponse(t *testing.T) {
	f := newFixture(t, nil, Options{Idempotency: idempotency.NewInMemoryStore()})
	body := map[string]string{"user_id": "user-1", "subject": "Login fails"}

	first := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "create-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(replayedHeader))

	second := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "create-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))

	other := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "create-2")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.NotEqual(t, decodeTicket(t, first)["ticket_id"], decodeTicket(t, other)["ticket_id"])

	reused := do(t, f.handler, http.MethodPost, "/v1/tickets", map[string]string{"user_id": "user-1", "subject": "Other"}, idempotencyHeader, "create-1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, "idempotency_key_reused", decodeErrorCode(t, reused))
}

func TestIdempotentCreateRunsOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil, Options{Idempotency: idempotency.NewInMemoryStore(), IdempotencyWait: 2 * time.Second})
	body := `{"user_id":"user-1","subject":"Login fails"}`

	const callers = 8
	results := make([]*httptest.ResponseRecorder, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "burst")
		}()
	}
	wg.Wait()

	ids := map[string]struct{}{}
	for _, rr := range results {
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		ids[decodeTicket(t, rr)["ticket_id"].(string)] = struct{}{}
	}
	assert.Len(t, ids, 1)
}

func TestIdempotentCreateLeavesOnlyCachedResponseInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	f := newFixture(t, nil, Options{
		Idempotency: idempotency.NewRedisStore(client, "idem"),
		Locks:       lock.NewRedisManager(client, "locks"),
	})
	body := map[string]string{"user_id": "user-1", "subject": "Login fails"}

	for _, key := range []string{"create-1", "create-2", "create-3"} {
		rr := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, key)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	var responses, other []string
	for _, key := range mr.Keys() {
		switch {
		case strings.HasPrefix(key, "idem:"):
			responses = append(responses, key)
			assert.Positive(t, mr.TTL(key), "cached response %s must expire", key)
		case key == "locks:"+lock.FenceCounterKey:
		default:
			other = append(other, key)
		}
	}
	assert.Len(t, responses, 3)
	assert.Empty(t, other, "idempotency locks must not leave keys behind")
}

func TestIdempotencyIgnoredWithoutStore(t *testing.T) {
	f := newFixture(t, nil, Options{})
	body := map[string]string{"user_id": "user-1", "subject": "Login fails"}

	first := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "create-1")
	second := do(t, f.handler, http.MethodPost, "/v1/tickets", body, idempotencyHeader, "create-1")
	assert.NotEqual(t, decodeTicket(t, first)["ticket_id"], decodeTicket(t, second)["ticket_id"])
}

func TestRouteLabel(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, "/v1/tickets", routeLabel("/tickets"))
	assert.Equal(t, "/v1/tickets/{id}", routeLabel("/v1/tickets/"+id))
	assert.Equal(t, "/v1/tickets/{id}/status", routeLabel("/tickets/"+id+"/status"))
	assert.Equal(t, "other", routeLabel("/v1/tickets/"+id+"/"+strings.Repeat("x", 3)))
	assert.Equal(t, "other", routeLabel("/favicon.ico"))
}
