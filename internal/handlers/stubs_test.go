package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/services"
)

var fixedNow = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)

type stubOrderService struct {
	createFn        func(context.Context, services.CreateOrderCommand) (services.Order, error)
	cancelFn        func(context.Context, services.CancelOrderCommand) (services.Order, error)
	getFn           func(context.Context, string, string) (services.Order, error)
	listFn          func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	updateAddressFn func(context.Context, services.UpdateShippingAddressCommand) (services.Order, error)
	transitionFn    func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
}

var _ services.OrderService = (*stubOrderService)(nil)

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn == nil {
		return services.Order{}, nil
	}
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn == nil {
		return services.Order{}, nil
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID, customerID string) (services.Order, error) {
	if s.getFn == nil {
		return services.Order{}, nil
	}
	return s.getFn(ctx, orderID, customerID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Order]{}, nil
	}
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) UpdateShippingAddress(ctx context.Context, cmd services.UpdateShippingAddressCommand) (services.Order, error) {
	if s.updateAddressFn == nil {
		return services.Order{}, nil
	}
	return s.updateAddressFn(ctx, cmd)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn == nil {
		return services.Order{}, nil
	}
	return s.transitionFn(ctx, cmd)
}

type stubCatalogService struct {
	getFn    func(context.Context, string) (services.Product, error)
	listFn   func(context.Context, services.ProductListFilter) (domain.CursorPage[services.Product], error)
	upsertFn func(context.Context, services.UpsertProductCommand) (services.Product, error)
}

var _ services.CatalogService = (*stubCatalogService)(nil)

func (s *stubCatalogService) GetProduct(ctx context.Context, productID string) (services.Product, error) {
	if s.getFn == nil {
		return services.Product{}, nil
	}
	return s.getFn(ctx, productID)
}

func (s *stubCatalogService) ListProducts(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[services.Product], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Product]{}, nil
	}
	return s.listFn(ctx, filter)
}

func (s *stubCatalogService) UpsertProduct(ctx context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
	if s.upsertFn == nil {
		return services.Product{}, nil
	}
	return s.upsertFn(ctx, cmd)
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

var _ services.SystemService = (*stubSystemService)(nil)

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func sampleOrder() services.Order {
	return services.Order{
		ID:              "ord_1",
		OrderNumber:     "ORD-2025-000042",
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main St\nSpringfield",
		Status:          domain.OrderStatusPending,
		TotalAmount:     decimal.RequireFromString("59.97"),
		Items: []services.OrderItem{{
			ID:        "itm_1",
			OrderID:   "ord_1",
			ProductID: "prod_1",
			Quantity:  3,
			UnitPrice: decimal.RequireFromString("19.99"),
			Subtotal:  decimal.RequireFromString("59.97"),
		}},
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
}

// serve routes req through a chi router mounted at prefix so URL params resolve.
func serve(t *testing.T, prefix string, routes func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route(prefix, routes)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func jsonRequest(method, target, body string) *http.Request {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func withCustomer(req *http.Request, uid string, roles ...string) *http.Request {
	if len(roles) == 0 {
		roles = []string{auth.RoleCustomer}
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
	return body
}
