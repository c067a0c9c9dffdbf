package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "orders"

// Metrics owns the Prometheus collectors for HTTP traffic and the order workflow.
// It satisfies the workflow metrics contract used by the order service and dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	workflow      *prometheus.CounterVec
	workflowTime  *prometheus.HistogramVec
	txRetries     *prometheus.CounterVec
	notifyFailure *prometheus.CounterVec
	authVerify    *prometheus.CounterVec
	authLatency   *prometheus.HistogramVec
}

// NewMetrics registers every collector on a dedicated registry, along with Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		workflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "operations_total",
			Help:      "Order workflow operations by outcome.",
		}, []string{"operation", "outcome"}),
		workflowTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "operation_duration_seconds",
			Help:      "Order workflow latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		txRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "transaction_retries_total",
			Help:      "Units of work re-run after a transient failure.",
		}, []string{"operation"}),
		notifyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "notifications",
			Name:      "failures_total",
			Help:      "Order events that could not be delivered.",
		}, []string{"event_type"}),
		authVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Webhook and service token verifications by outcome.",
		}, []string{"kind", "result"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "verification_duration_seconds",
			Help:      "Time spent verifying signatures and tokens.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.workflow, m.workflowTime, m.txRetries, m.notifyFailure,
		m.authVerify, m.authLatency,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveWorkflow records the outcome and latency of a workflow operation.
func (m *Metrics) ObserveWorkflow(operation, outcome string, elapsed time.Duration) {
	m.workflow.WithLabelValues(operation, outcome).Inc()
	m.workflowTime.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// IncTransactionRetry counts a retried unit of work.
func (m *Metrics) IncTransactionRetry(operation string) {
	m.txRetries.WithLabelValues(operation).Inc()
}

// IncNotificationFailure counts an order event that was dropped or exhausted its attempts.
func (m *Metrics) IncNotificationFailure(eventType string) {
	m.notifyFailure.WithLabelValues(eventType).Inc()
}

// RecordVerification counts an HMAC or OIDC verification. Failures are labelled with their reason.
func (m *Metrics) RecordVerification(_ context.Context, kind string, success bool, reason string, elapsed time.Duration) {
	result := "ok"
	if !success {
		result = sanitizeString(reason, 40)
		if result == "" {
			result = "failed"
		}
	}
	m.authVerify.WithLabelValues(kind, result).Inc()
	m.authLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Middleware records request counts and latency keyed by the matched route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := wrapWriter(w, r)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := SanitizeRoute(matchedRoute(r, "unmatched"))
		method := SanitizeMethod(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusOf(ww))).Inc()
		m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}
