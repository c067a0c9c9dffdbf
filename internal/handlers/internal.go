package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/services"
)

// InternalHandlers serves service-to-service calls authenticated with OIDC tokens.
type InternalHandlers struct {
	orders services.OrderService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(orders services.OrderService) *InternalHandlers {
	return &InternalHandlers{orders: orders}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
}

func (h *InternalHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok || service.ActorID() == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service identity required", http.StatusUnauthorized))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req transitionOrderRequest
	if !decodeJSONBody(w, r, maxTransitionBodySize, false, &req) {
		return
	}
	target, ok := parseTargetStatus(w, r, req.Status)
	if !ok {
		return
	}
	applyTransition(w, r, h.orders, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Target:  target,
		ActorID: "service:" + service.ActorID(),
		Reason:  strings.TrimSpace(req.Reason),
	})
}
