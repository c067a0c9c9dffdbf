package handlers

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/requestctx"
	"github.com/storefront/orders-api/internal/services"
)

// HealthHandlers serves /healthz and /readyz.
type HealthHandlers struct {
	build  services.BuildInfo
	now    func() time.Time
	system services.SystemService
}

type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// WithHealthSystemService enables dependency probing on /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	h.build.Version = strings.TrimSpace(h.build.Version)
	h.build.CommitSHA = strings.TrimSpace(h.build.CommitSHA)
	h.build.Environment = strings.TrimSpace(h.build.Environment)
	return h
}

type probeCheck struct {
	Status    domain.HealthStatus `json:"status"`
	Detail    string              `json:"detail,omitempty"`
	LatencyMS int64               `json:"latency_ms"`
	CheckedAt string              `json:"checked_at,omitempty"`
}

// probeResponse is shared by both probes; /healthz leaves Checks nil.
type probeResponse struct {
	Status      domain.HealthStatus   `json:"status"`
	Version     string                `json:"version,omitempty"`
	CommitSHA   string                `json:"commit_sha,omitempty"`
	Environment string                `json:"environment,omitempty"`
	Uptime      string                `json:"uptime,omitempty"`
	Timestamp   string                `json:"timestamp"`
	Checks      map[string]probeCheck `json:"checks,omitempty"`
	Details     []string              `json:"details,omitempty"`
}

func uptime(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}

// Healthz is liveness only and never touches a dependency.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, probeResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      uptime(now.Sub(h.build.StartedAt)),
		Timestamp:   formatTime(now),
	})
}

// Readyz answers 200 only when every dependency reports ok; degraded counts as not ready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := probeResponse{
		Status:    domain.HealthStatusOK,
		Timestamp: formatTime(h.now()),
		Checks:    map[string]probeCheck{},
	}
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, resp)
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(ctx).Warn("readiness report failed", zap.Error(err))
		resp.Status = domain.HealthStatusError
		resp.Details = []string{err.Error()}
		writeJSONResponse(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = report.Status
	resp.Version = report.Version
	resp.CommitSHA = report.CommitSHA
	resp.Environment = report.Environment
	resp.Uptime = uptime(report.Uptime)
	if !report.GeneratedAt.IsZero() {
		resp.Timestamp = formatTime(report.GeneratedAt)
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		check := report.Checks[name]
		resp.Checks[name] = probeCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK && check.Detail != "" {
			resp.Details = append(resp.Details, name+": "+check.Detail)
		}
	}

	code := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, resp)
}
