package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/platform/requestctx"
)

// access log fields longer than this are truncated
const maxFieldRunes = 64

var annotatedFields = []string{requestctx.AnnotationCustomerID, requestctx.AnnotationIdempotency}

// InjectLoggerMiddleware makes logger the base for every request-scoped logger.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware scopes the logger to the request and writes one access line
// when the handler returns. Route, order id and annotations are read at that point, after
// routing and authentication have filled them in.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := requestctx.Logger(r.Context()).With(requestFields(r)...)
			ctx, notes := requestctx.WithAnnotations(requestctx.WithLogger(r.Context(), logger))
			r = r.WithContext(ctx)
			ww := wrapWriter(w, r)

			completed := false
			defer func() {
				status := statusOf(ww)
				if !completed && status < http.StatusInternalServerError {
					// a panic is unwinding; RecoveryMiddleware answers 500
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(matchedRoute(r, r.URL.Path))
				markSpan(r, route, status)

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
				}
				if orderID := routeParam(r, "orderID"); orderID != "" {
					fields = append(fields, zap.String("order_id", sanitizeString(orderID, maxFieldRunes)))
				}
				for _, key := range annotatedFields {
					if v := notes.Get(key); v != "" {
						fields = append(fields, zap.String(key, sanitizeString(v, maxFieldRunes)))
					}
				}
				if ce := logger.Check(levelFor(status), "request completed"); ce != nil {
					ce.Write(fields...)
				}
			}()

			next.ServeHTTP(ww, r)
			completed = true
		})
	}
}

func requestFields(r *http.Request) []zap.Field {
	info, _ := requestctx.Trace(r.Context())
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("trace_id", info.TraceID),
	}
	if info.ProjectID != "" && info.TraceID != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+info.ProjectID+"/traces/"+info.TraceID))
	}
	if ip := remoteIP(r); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return fields
}

func levelFor(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

func markSpan(r *http.Request, route string, status int) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// RecoveryMiddleware answers a panic with the JSON 500 envelope and logs its stack.
// http.ErrAbortHandler is re-raised for net/http to handle.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(rec)
				}
				logger := requestctx.Logger(r.Context())
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wrapWriter reuses a writer wrapped further out so status and byte counts agree.
func wrapWriter(w http.ResponseWriter, r *http.Request) middleware.WrapResponseWriter {
	if ww, ok := w.(middleware.WrapResponseWriter); ok {
		return ww
	}
	return middleware.NewWrapResponseWriter(w, r.ProtoMajor)
}

// statusOf reports 200 for handlers that wrote nothing.
func statusOf(ww middleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

func matchedRoute(r *http.Request, fallback string) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if fallback == "" {
		return "/"
	}
	return fallback
}

func routeParam(r *http.Request, key string) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam(key)
	}
	return ""
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, maxFieldRunes)
}
