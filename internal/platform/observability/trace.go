package observability

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/storefront/orders-api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/storefront/orders-api/internal/platform/observability")

// TraceMiddleware continues a Cloud Trace context when present, starts a server span and
// stores trace metadata on the request. The span is renamed to the matched route on completion.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader))
			if ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				info = requestctx.TraceInfo{
					TraceID:   spanCtx.TraceID().String(),
					SpanID:    spanCtx.SpanID().String(),
					Sampled:   spanCtx.IsSampled(),
					ProjectID: projectID,
				}
				w.Header().Set(cloudTraceHeader, formatCloudTraceHeader(info))
				ctx = requestctx.WithTrace(ctx, info)
			}

			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)

			if route := matchedRoute(r, ""); route != "" && route != "/" {
				span.SetName(r.Method + " " + route)
			}
			if orderID := routeParam(r, "orderID"); orderID != "" {
				span.SetAttributes(attribute.String("orders.order_id", sanitizeString(orderID, 64)))
			}
		})
	}
}

// parseCloudTraceContext reads TRACE_ID/SPAN_ID;o=OPTIONS. Span ids arrive as decimal
// from Google front ends and as hex from some clients; both are accepted.
func parseCloudTraceContext(header string) (requestctx.TraceInfo, trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok || len(traceHex) != 32 {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(spanPart)
	if !ok {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	sampled := strings.TrimSpace(options) == "o=1"
	var flags trace.TraceFlags
	if sampled {
		flags = trace.FlagsSampled
	}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return requestctx.TraceInfo{TraceID: traceID.String(), SpanID: spanID.String(), Sampled: sampled}, spanCtx, true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return trace.SpanID{}, false
	}
	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var spanID trace.SpanID
		binary.BigEndian.PutUint64(spanID[:], num)
		return spanID, spanID.IsValid()
	}
	if len(value) <= 16 {
		spanID, err := trace.SpanIDFromHex(strings.Repeat("0", 16-len(value)) + value)
		if err == nil && spanID.IsValid() {
			return spanID, true
		}
	}
	return trace.SpanID{}, false
}

func formatCloudTraceHeader(info requestctx.TraceInfo) string {
	if info.TraceID == "" || info.SpanID == "" {
		return ""
	}
	option := "0"
	if info.Sampled {
		option = "1"
	}
	return fmt.Sprintf("%s/%s;o=%s", info.TraceID, info.SpanID, option)
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
	}
	if host := r.Host; host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", sanitizeString(ua, 256)))
	}
	return attrs
}
