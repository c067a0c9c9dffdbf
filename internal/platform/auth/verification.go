package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/storefront/orders-api/internal/platform/httpx"
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// rejection describes why a request failed verification.
type rejection struct {
	status  int
	code    string
	message string
	reason  string
}

func reject(status int, code, message, reason string) *rejection {
	return &rejection{status: status, code: code, message: message, reason: reason}
}

func (r *rejection) write(ctx context.Context, w http.ResponseWriter) {
	respondAuthError(ctx, w, r.status, r.code, r.message)
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
