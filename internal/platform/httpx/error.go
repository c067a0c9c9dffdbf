// Package httpx holds the JSON response helpers shared by handlers and middleware.
package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront/orders-api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is an API failure rendered as the error envelope:
//
//	{"error": "<code>", "message": "...", "status": 409, "request_id": "...", "trace_id": "...", <details>}
//
// Details are merged at the top level so clients read e.g. "product_id" next to the code.
type Error struct {
	Code       string
	Message    string
	Status     int
	Details    map[string]any
	RetryAfter time.Duration
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails attaches extra fields. Envelope keys cannot be overridden.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = maps.Clone(details)
	return e
}

// WithRetryAfter asks clients to wait before retrying; rounded up to whole seconds.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError renders err, stamping the chi request id and trace id from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	env := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: clean(middleware.GetReqID(ctx), maxIDLen),
		TraceID:   clean(requestctx.TraceID(ctx), maxIDLen),
	}

	var body any = env
	if len(err.Details) > 0 {
		merged := make(map[string]any, len(err.Details)+5)
		maps.Copy(merged, err.Details)
		merged["error"] = env.Error
		merged["message"] = env.Message
		merged["status"] = env.Status
		if env.RequestID != "" {
			merged["request_id"] = env.RequestID
		}
		if env.TraceID != "" {
			merged["trace_id"] = env.TraceID
		}
		body = merged
	}

	if err.RetryAfter > 0 {
		secs := int((err.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, status, body)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clean flattens line breaks so values are safe to echo in headers and logs.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
