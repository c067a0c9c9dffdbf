package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/platform/idempotency"
	"github.com/storefront/orders-api/internal/platform/pagination"
	"github.com/storefront/orders-api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCreateBodySize = 64 * 1024
	maxOrderUpdateBodySize = 8 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

type createOrderRequest struct {
	ShippingAddress string                   `json:"shipping_address"`
	Items           []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type updateOrderRequest struct {
	ShippingAddress *string `json:"shipping_address"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency idempotency.Store
	idemOpts    []idempotency.MiddlewareOption
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation (key required) and cancellation (key optional).
func WithOrderIdempotency(store idempotency.Store, opts ...idempotency.MiddlewareOption) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = store
		h.idemOpts = append(h.idemOpts, opts...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.With(h.guard(false)).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}", h.updateOrder)
	r.With(h.guard(true)).Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) guard(optional bool) func(http.Handler) http.Handler {
	if h.idempotency == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	opts := append([]idempotency.MiddlewareOption(nil), h.idemOpts...)
	if optional {
		opts = append(opts, idempotency.WithOptionalKey())
	}
	return idempotency.Middleware(h.idempotency, opts...)
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderCreateBodySize, false, &req) {
		return
	}

	items := make([]services.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerID:      strings.TrimSpace(identity.UID),
		ShippingAddress: req.ShippingAddress,
		Items:           items,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		CustomerID: strings.TrimSpace(identity.UID),
		Pagination: services.Pagination{Offset: params.Offset, Limit: params.PageSize},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, strings.TrimSpace(identity.UID))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSONBody(w, r, maxOrderUpdateBodySize, false, &req) {
		return
	}
	if req.ShippingAddress == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_address is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateShippingAddress(ctx, services.UpdateShippingAddressCommand{
		OrderID:         orderID,
		CustomerID:      strings.TrimSpace(identity.UID),
		ShippingAddress: *req.ShippingAddress,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderCancelBodySize, true, &req) {
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID:    orderID,
		CustomerID: strings.TrimSpace(identity.UID),
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"order_number"`
	CustomerID      string             `json:"customer_id"`
	Status          string             `json:"status"`
	ShippingAddress string             `json:"shipping_address"`
	TotalAmount     string             `json:"total_amount"`
	Items           []orderItemPayload `json:"items"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: formatMoney(item.UnitPrice),
			Subtotal:  formatMoney(item.Subtotal),
		})
	}
	return orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		Status:          string(order.Status),
		ShippingAddress: order.ShippingAddress,
		TotalAmount:     formatMoney(order.TotalAmount),
		Items:           items,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
	}
}

// formatMoney renders amounts with two decimals so clients never see float artefacts.
func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
