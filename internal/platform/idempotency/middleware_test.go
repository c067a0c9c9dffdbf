package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/requestctx"
)

var fixedTime = time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

func newOrderRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func asCustomer(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func createdHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order":{"id":"ord_` + string(rune('0'+n)) + `"}}`))
	})
}

func TestMiddleware_MissingHeader(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(createdHandler(&calls))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"items":[]}`, ""))

	if calls != 0 {
		t.Fatal("handler should not be invoked when header is missing")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_OptionalKeyPassesThrough(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithOptionalKey())(createdHandler(&calls))

	ctx, notes := requestctx.WithAnnotations(context.Background())
	for range 2 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest(`{}`, "").WithContext(ctx))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach the handler, got %d", calls)
	}
	if got := notes.Get(requestctx.AnnotationIdempotency); got != "none" {
		t.Fatalf("expected idempotency annotation none, got %q", got)
	}
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(createdHandler(&calls))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, asCustomer(newOrderRequest(`{"items":[{"productId":"prd_a","quantity":1}]}`, "abc-123"), "cus_1"))
	if rr1.Code != http.StatusCreated {
		t.Fatalf("unexpected first response status: %d", rr1.Code)
	}

	ctx, notes := requestctx.WithAnnotations(context.Background())
	req2 := asCustomer(newOrderRequest(`{"items":[{"productId":"prd_a","quantity":1}]}`, "abc-123").WithContext(ctx), "cus_1")
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)

	if calls != 1 {
		t.Fatalf("expected handler not to be called again, got %d calls", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header to be present")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected response body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
	if got := notes.Get(requestctx.AnnotationIdempotency); got != "replayed" {
		t.Fatalf("expected replayed annotation, got %q", got)
	}
}

func TestMiddleware_KeysAreScopedPerCustomer(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(createdHandler(&calls))

	for _, uid := range []string{"cus_1", "cus_2"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, asCustomer(newOrderRequest(`{}`, "shared"), uid))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201 for %s, got %d", uid, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected each customer to get their own order, got %d calls", calls)
	}
}

func TestMiddleware_ConflictingPayloadRejected(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(createdHandler(&calls))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest(`{"quantity":1}`, "same-key"))
	if rr1.Code != http.StatusCreated {
		t.Fatalf("expected first request success, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest(`{"quantity":2}`, "same-key"))
	if rr2.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr2.Code)
	}
	assertErrorResponse(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when reservation pending")
	}))

	req := newOrderRequest(`{"items":[]}`, "pending-key")
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	requester := requesterID(req.Context())
	if _, err := store.Reserve(req.Context(), requester+"|pending-key", requestFingerprint(req, body, requester), fixedTime, time.Hour); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending reservation, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorsAreNotStored(t *testing.T) {
	store := NewMemoryStore()
	var calls int32
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	for _, want := range []int{http.StatusServiceUnavailable, http.StatusCreated, http.StatusCreated} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest(`{}`, "retry-me"))
		if rr.Code != want {
			t.Fatalf("expected %d, got %d", want, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected retry after 503 to reach the handler once more, got %d calls", calls)
	}
}

func TestMiddleware_PersistFailureStillAnswersAndReleases(t *testing.T) {
	store := &stubStore{
		completeFn: func(context.Context, string, string, Response, time.Time, time.Duration) error {
			return errors.New("save failed")
		},
	}
	var calls int32
	rr := httptest.NewRecorder()
	Middleware(store)(createdHandler(&calls)).ServeHTTP(rr, newOrderRequest(`{}`, "fail-key"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected handler response to pass through, got %d", rr.Code)
	}
	if store.released != 1 {
		t.Fatalf("expected reservation to be released once, got %d", store.released)
	}
}

func TestMiddleware_StoreUnavailable(t *testing.T) {
	store := &stubStore{
		reserveFn: func(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
			return Reservation{}, errors.New("redis down")
		},
	}
	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rr, newOrderRequest(`{}`, "k"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRequesterPrefersCustomerThenService(t *testing.T) {
	ctx := context.Background()
	if got := requesterID(ctx); got != "anonymous" {
		t.Fatalf("expected anonymous, got %s", got)
	}
	svc := auth.WithServiceIdentity(ctx, &auth.ServiceIdentity{Subject: "123", Email: "worker@svc"})
	if got := requesterID(svc); got != "worker@svc" {
		t.Fatalf("expected service email, got %s", got)
	}
	customer := auth.WithIdentity(svc, &auth.Identity{UID: "cus_9", Roles: []string{auth.RoleCustomer}})
	if got := requesterID(customer); got != "cus_9" {
		t.Fatalf("expected customer uid, got %s", got)
	}
}

type stubStore struct {
	reserveFn  func(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	completeFn func(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	released   int
}

func (s *stubStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, key, fingerprint, now, ttl)
	}
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if s.completeFn != nil {
		return s.completeFn(ctx, key, fingerprint, resp, now, ttl)
	}
	return nil
}

func (s *stubStore) Release(context.Context, string) error {
	s.released++
	return nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
