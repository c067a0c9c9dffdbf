// Package requestctx holds the per-request values that middleware, handlers and services
// share: the scoped logger, the trace, and an annotation bag for access logs.
package requestctx

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
	annotationsKey
)

// Annotation keys read by the access log.
const (
	AnnotationCustomerID  = "customer_id"
	AnnotationIdempotency = "idempotency"
)

var nop = zap.NewNop()

// TraceInfo is the Cloud Trace context of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func value[T any](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// WithLogger scopes logger to ctx. A nil logger stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(orBackground(ctx), loggerKey, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := value[*zap.Logger](ctx, loggerKey); ok && logger != nil {
		return logger
	}
	return nop
}

func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return value[TraceInfo](ctx, traceKey)
}

// TraceID is empty outside a traced request.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations is written by inner middleware and read by the access log after the
// handler returns. Every context derived from the attaching one shares the same bag.
type Annotations struct {
	mu     sync.Mutex
	values map[string]string
}

func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	notes := &Annotations{values: map[string]string{}}
	return context.WithValue(orBackground(ctx), annotationsKey, notes), notes
}

// Annotate is a no-op when ctx carries no bag.
func Annotate(ctx context.Context, key, val string) {
	notes, ok := value[*Annotations](ctx, annotationsKey)
	if !ok || notes == nil {
		return
	}
	notes.mu.Lock()
	defer notes.mu.Unlock()
	notes.values[key] = val
}

func (a *Annotations) Get(key string) string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.values[key]
}

// All returns a copy of every recorded annotation.
func (a *Annotations) All() map[string]string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.values)
}
