package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/services"
)

const (
	fulfillmentActorID        = "fulfillment"
	maxFulfillmentWebhookSize = 8 * 1024
)

type fulfillmentWebhookRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// WebhookHandlers receives signed callbacks from the fulfillment provider. Signature
// checks run as group middleware before these handlers.
type WebhookHandlers struct {
	orders services.OrderService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(orders services.OrderService) *WebhookHandlers {
	return &WebhookHandlers{orders: orders}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/fulfillment", h.fulfillmentUpdate)
}

func (h *WebhookHandlers) fulfillmentUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req fulfillmentWebhookRequest
	if !decodeJSONBody(w, r, maxFulfillmentWebhookSize, false, &req) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	// no status means "advance to the next fulfillment step"
	var target domain.OrderStatus
	if strings.TrimSpace(req.Status) != "" {
		var ok bool
		if target, ok = parseTargetStatus(w, r, req.Status); !ok {
			return
		}
	}
	applyTransition(w, r, h.orders, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Target:  target,
		ActorID: fulfillmentActorID,
		Reason:  strings.TrimSpace(req.Reason),
	})
}
