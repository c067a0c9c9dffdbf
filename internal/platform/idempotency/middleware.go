package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	maxBodyBytes      = 1 << 20
)

type middlewareConfig struct {
	headerName  string
	ttl         time.Duration
	clock       func() time.Time
	optionalKey bool
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long responses are replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithOptionalKey lets requests without a key through unguarded instead of rejecting them.
func WithOptionalKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.optionalKey = true
	}
}

// Middleware replays the stored response for a repeated Idempotency-Key. Keys are
// scoped to the caller, so two customers may use the same key independently.
// Server errors are not stored; the reservation is released so the client can retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if cfg.optionalKey {
					requestctx.Annotate(ctx, requestctx.AnnotationIdempotency, "none")
					next.ServeHTTP(w, r)
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing "+cfg.headerName+" header", http.StatusBadRequest))
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", "idempotency key too long", http.StatusBadRequest))
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			requester := requesterID(ctx)
			scoped := requester + "|" + key
			fingerprint := requestFingerprint(r, body, requester)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					requestctx.Annotate(ctx, requestctx.AnnotationIdempotency, "conflict")
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
					return
				}
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable).WithRetryAfter(time.Second))
				return
			}
			requestctx.Annotate(ctx, requestctx.AnnotationIdempotency, reservation.State.String())

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict).WithRetryAfter(time.Second))
				return
			}

			recorder := newResponseRecorder()
			next.ServeHTTP(recorder, r)

			// the outcome must be stored even if the client has gone away
			persistCtx := context.WithoutCancel(ctx)
			if recorder.Status() >= http.StatusInternalServerError {
				if err := store.Release(persistCtx, scoped); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else if err := store.Complete(persistCtx, scoped, fingerprint, recorder.response(), cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency persist failed", zap.String("key", key), zap.Error(err))
				if err := store.Release(persistCtx, scoped); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			}
			recorder.flush(w)
		})
	}
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.ActorID() != "" {
		return svc.ActorID()
	}
	return "anonymous"
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, requester string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	return sha256Hex([]byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		requester,
		bodyHash,
	}, "|")))
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder buffers the handler output so it can be stored before the client sees it.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) response() Response {
	return Response{Status: r.Status(), Headers: r.header.Clone(), Body: r.body.Bytes()}
}

func (r *responseRecorder) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	w.WriteHeader(r.Status())
	if r.body.Len() > 0 {
		_, _ = w.Write(r.body.Bytes())
	}
}
