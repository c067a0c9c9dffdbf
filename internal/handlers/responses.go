package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/platform/requestctx"
	"github.com/storefront/orders-api/internal/services"
)

const defaultMaxBodySize = 16 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes the request body into dst, writing the error
// response itself. Unknown fields are rejected. When optional is set an empty body is accepted.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, optional bool, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	switch {
	case errors.Is(err, errEmptyBody) && optional:
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}

	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func requireCustomer(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// requireStaff also enforces the staff check when the route group mounts without an
// authenticator.
func requireStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return nil, false
	}
	if !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// writeServiceError maps order and catalog service errors onto the HTTP error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch services.ClassifyError(err) {
	case services.ErrorKindValidation:
		httpx.WriteError(ctx, w, httpx.NewError(validationCode(err), err.Error(), http.StatusUnprocessableEntity))
	case services.ErrorKindNotFound:
		var missing *services.ProductNotFoundError
		if errors.As(err, &missing) {
			httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound).
				WithDetails(map[string]any{"product_id": missing.ProductID}))
			return
		}
		if errors.Is(err, services.ErrProductNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case services.ErrorKindForbidden:
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "order belongs to another customer", http.StatusForbidden))
	case services.ErrorKindConflict:
		var shortfall *services.InsufficientStockError
		switch {
		case errors.As(err, &shortfall):
			httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict).
				WithDetails(map[string]any{
					"product_id": shortfall.ProductID,
					"requested":  shortfall.Requested,
					"available":  shortfall.Available,
				}))
		case errors.Is(err, services.ErrRestorationFailed):
			httpx.WriteError(ctx, w, httpx.NewError("restoration_failed", "stock could not be restored; the order was not cancelled", http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
		}
	case services.ErrorKindTransient:
		httpx.WriteError(ctx, w, httpx.NewError("temporarily_unavailable", "service temporarily unavailable, retry later", http.StatusServiceUnavailable).
			WithRetryAfter(time.Second))
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, services.ErrEmptyOrder):
		return "empty_order"
	case errors.Is(err, services.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, services.ErrInvalidShippingAddress):
		return "invalid_shipping_address"
	default:
		return "validation_failed"
	}
}
