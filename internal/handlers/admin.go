package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/services"
)

const (
	maxProductBodySize    = 16 * 1024
	maxTransitionBodySize = 4 * 1024
)

type upsertProductRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SKU         string `json:"sku"`
	Price       string `json:"price"`
	Stock       int    `json:"stock"`
	Active      *bool  `json:"active"`
}

type transitionOrderRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// AdminHandlers exposes staff endpoints for catalog maintenance and fulfillment.
type AdminHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
	orders  services.OrderService
}

// NewAdminHandlers wires staff handlers.
func NewAdminHandlers(authn *auth.Authenticator, catalog services.CatalogService, orders services.OrderService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		catalog: catalog,
		orders:  orders,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/products", h.upsertProduct)
	r.Get("/products/{productID}", h.getProduct)
	r.Put("/products/{productID}", h.upsertProduct)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
}

func (h *AdminHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	product, err := h.catalog.GetProduct(ctx, strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) upsertProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireStaff(ctx, w)
	if !ok {
		return
	}

	var req upsertProductRequest
	if !decodeJSONBody(w, r, maxProductBodySize, false, &req) {
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "price must be a decimal string", http.StatusUnprocessableEntity))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.catalog.UpsertProduct(ctx, services.UpsertProductCommand{
		ProductID:   productID,
		Name:        req.Name,
		Description: req.Description,
		SKU:         req.SKU,
		Price:       price,
		Stock:       req.Stock,
		Active:      active,
		ActorID:     identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if productID == "" {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireStaff(ctx, w)
	if !ok {
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
		ActorID: "staff:" + identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
}

func parseTargetStatus(w http.ResponseWriter, r *http.Request, raw string) (domain.OrderStatus, bool) {
	target, err := domain.ParseOrderStatus(raw)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_status", err.Error(), http.StatusUnprocessableEntity))
		return "", false
	}
	return target, true
}

// applyTransition runs a status transition shared by staff, webhook and internal callers.
func applyTransition(w http.ResponseWriter, r *http.Request, orders services.OrderService, cmd services.OrderStatusTransitionCommand) {
	ctx := r.Context()
	if orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
