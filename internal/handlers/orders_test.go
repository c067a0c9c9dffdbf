package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/idempotency"
	"github.com/storefront/orders-api/internal/platform/pagination"
	"github.com/storefront/orders-api/internal/services"
)

func TestOrderHandlers_CreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	handler := NewOrderHandlers(nil, svc)

	req := jsonRequest(http.MethodPost, "/orders", `{"shipping_address":"1 Main St\nSpringfield","items":[{"product_id":" prod_1 ","quantity":3}]}`)
	rr := serve(t, "/orders", handler.Routes, withCustomer(req, "cus_1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}

	want := services.CreateOrderCommand{
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main St\nSpringfield",
		Items:           []services.LineItem{{ProductID: "prod_1", Quantity: 3}},
	}
	if diff := cmp.Diff(want, captured); diff != "" {
		t.Fatalf("unexpected command (-want +got):\n%s", diff)
	}

	var body orderResponse
	decodeBody(t, rr, &body)
	if body.Order.OrderNumber != "ORD-2025-000042" {
		t.Fatalf("unexpected order number %q", body.Order.OrderNumber)
	}
	if body.Order.TotalAmount != "59.97" || body.Order.Items[0].UnitPrice != "19.99" {
		t.Fatalf("expected fixed two decimal amounts, got %+v", body.Order)
	}
	if body.Order.Status != "pending" {
		t.Fatalf("expected pending status, got %s", body.Order.Status)
	}
	if body.Order.CancelledAt != "" {
		t.Fatalf("expected no cancelled_at, got %s", body.Order.CancelledAt)
	}
}

func TestOrderHandlers_CreateOrderRequiresIdentity(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			t.Fatal("service should not be called")
			return services.Order{}, nil
		},
	})

	rr := serve(t, "/orders", handler.Routes, jsonRequest(http.MethodPost, "/orders", `{"items":[]}`))
	assertErrorCode(t, rr, http.StatusUnauthorized, "unauthenticated")
}

func TestOrderHandlers_CreateOrderRejectsBadBodies(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "empty", body: "", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed", body: `{"items":`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"items":[],"coupon":"X"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "too large", body: `{"shipping_address":"` + strings.Repeat("a", maxOrderCreateBodySize) + `"}`, status: http.StatusRequestEntityTooLarge, code: "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := withCustomer(jsonRequest(http.MethodPost, "/orders", tc.body), "cus_1")
			rr := serve(t, "/orders", handler.Routes, req)
			assertErrorCode(t, rr, tc.status, tc.code)
		})
	}
}

func TestOrderHandlers_ServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		details map[string]any
	}{
		{name: "empty order", err: services.ErrEmptyOrder, status: http.StatusUnprocessableEntity, code: "empty_order"},
		{name: "quantity", err: fmt.Errorf("%w: item 0", services.ErrInvalidQuantity), status: http.StatusUnprocessableEntity, code: "invalid_quantity"},
		{name: "address", err: services.ErrInvalidShippingAddress, status: http.StatusUnprocessableEntity, code: "invalid_shipping_address"},
		{name: "unknown product", err: &services.ProductNotFoundError{ProductID: "prod_9"}, status: http.StatusNotFound, code: "product_not_found", details: map[string]any{"product_id": "prod_9"}},
		{
			name:    "stock",
			err:     &services.InsufficientStockError{ProductID: "prod_1", Requested: 5, Available: 2},
			status:  http.StatusConflict,
			code:    "insufficient_stock",
			details: map[string]any{"product_id": "prod_1", "requested": float64(5), "available": float64(2)},
		},
		{name: "transient", err: services.ErrTemporarilyUnavailable, status: http.StatusServiceUnavailable, code: "temporarily_unavailable"},
		{name: "internal", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewOrderHandlers(nil, &stubOrderService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			})
			req := withCustomer(jsonRequest(http.MethodPost, "/orders", `{"shipping_address":"x","items":[{"product_id":"p","quantity":1}]}`), "cus_1")
			rr := serve(t, "/orders", handler.Routes, req)

			body := assertErrorCode(t, rr, tc.status, tc.code)
			for key, want := range tc.details {
				if body[key] != want {
					t.Fatalf("expected %s=%v, got %v", key, want, body[key])
				}
			}
			if tc.status == http.StatusServiceUnavailable && rr.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header on transient failures")
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "boom") {
				t.Fatal("internal error details must not leak")
			}
		})
	}
}

func TestOrderHandlers_CreateOrderIsIdempotent(t *testing.T) {
	var calls int
	svc := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			calls++
			order := sampleOrder()
			order.ID = fmt.Sprintf("ord_%d", calls)
			return order, nil
		},
	}
	handler := NewOrderHandlers(nil, svc, WithOrderIdempotency(idempotency.NewMemoryStore()))

	body := `{"shipping_address":"x","items":[{"product_id":"p","quantity":1}]}`
	send := func() *http.Request {
		req := jsonRequest(http.MethodPost, "/orders", body)
		req.Header.Set("Idempotency-Key", "checkout-1")
		return withCustomer(req, "cus_1")
	}

	first := serve(t, "/orders", handler.Routes, send())
	second := serve(t, "/orders", handler.Routes, send())

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected both responses 201, got %d and %d", first.Code, second.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one order to be created, got %d", calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected replayed body, got %s vs %s", first.Body.String(), second.Body.String())
	}

	missing := serve(t, "/orders", handler.Routes, withCustomer(jsonRequest(http.MethodPost, "/orders", body), "cus_1"))
	assertErrorCode(t, missing, http.StatusBadRequest, "idempotency_key_required")
}

func TestOrderHandlers_ListOrders(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder()},
				NextPageToken: pagination.NextToken(filter.Pagination.Offset, filter.Pagination.Limit),
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, svc)

	token := pagination.NextToken(0, 10)
	req := withCustomer(jsonRequest(http.MethodGet, "/orders?pageSize=10&pageToken="+token, ""), "cus_1")
	rr := serve(t, "/orders", handler.Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := services.OrderListFilter{CustomerID: "cus_1", Pagination: services.Pagination{Offset: 10, Limit: 10}}
	if diff := cmp.Diff(want, captured); diff != "" {
		t.Fatalf("unexpected filter (-want +got):\n%s", diff)
	}

	var body orderListResponse
	decodeBody(t, rr, &body)
	if len(body.Items) != 1 || body.Items[0].ID != "ord_1" {
		t.Fatalf("unexpected items %+v", body.Items)
	}
	if body.NextPageToken == "" {
		t.Fatal("expected next_page_token")
	}
}

func TestOrderHandlers_ListOrdersInvalidPageSize(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	req := withCustomer(jsonRequest(http.MethodGet, "/orders?pageSize=abc", ""), "cus_1")
	rr := serve(t, "/orders", handler.Routes, req)
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestOrderHandlers_GetOrder(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID, customerID string) (services.Order, error) {
			switch {
			case orderID == "missing":
				return services.Order{}, services.ErrOrderNotFound
			case customerID != "cus_1":
				return services.Order{}, services.ErrNotAuthorized
			}
			return sampleOrder(), nil
		},
	}
	handler := NewOrderHandlers(nil, svc)

	rr := serve(t, "/orders", handler.Routes, withCustomer(jsonRequest(http.MethodGet, "/orders/ord_1", ""), "cus_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = serve(t, "/orders", handler.Routes, withCustomer(jsonRequest(http.MethodGet, "/orders/ord_1", ""), "cus_2"))
	assertErrorCode(t, rr, http.StatusForbidden, "order_forbidden")

	rr = serve(t, "/orders", handler.Routes, withCustomer(jsonRequest(http.MethodGet, "/orders/missing", ""), "cus_1"))
	assertErrorCode(t, rr, http.StatusNotFound, "order_not_found")
}

func TestOrderHandlers_UpdateShippingAddress(t *testing.T) {
	var captured services.UpdateShippingAddressCommand
	svc := &stubOrderService{
		updateAddressFn: func(_ context.Context, cmd services.UpdateShippingAddressCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.ShippingAddress = cmd.ShippingAddress
			return order, nil
		},
	}
	handler := NewOrderHandlers(nil, svc)

	req := withCustomer(jsonRequest(http.MethodPatch, "/orders/ord_1", `{"shipping_address":"2 Elm St"}`), "cus_1")
	rr := serve(t, "/orders", handler.Routes, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.CustomerID != "cus_1" || captured.ShippingAddress != "2 Elm St" {
		t.Fatalf("unexpected command %+v", captured)
	}

	req = withCustomer(jsonRequest(http.MethodPatch, "/orders/ord_1", `{}`), "cus_1")
	rr = serve(t, "/orders", handler.Routes, req)
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestOrderHandlers_UpdateShippingAddressAfterShipment(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{
		updateAddressFn: func(context.Context, services.UpdateShippingAddressCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: order is shipped", services.ErrInvalidTransition)
		},
	})
	req := withCustomer(jsonRequest(http.MethodPatch, "/orders/ord_1", `{"shipping_address":"2 Elm St"}`), "cus_1")
	rr := serve(t, "/orders", handler.Routes, req)
	assertErrorCode(t, rr, http.StatusConflict, "invalid_transition")
}

func TestOrderHandlers_CancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			cancelledAt := fixedNow.Add(time.Hour)
			order.CancelledAt = &cancelledAt
			return order, nil
		},
	}
	handler := NewOrderHandlers(nil, svc, WithOrderIdempotency(idempotency.NewMemoryStore()))

	t.Run("with reason", func(t *testing.T) {
		req := withCustomer(jsonRequest(http.MethodPost, "/orders/ord_1:cancel", `{"reason":" changed mind "}`), "cus_1")
		rr := serve(t, "/orders", handler.Routes, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if captured.OrderID != "ord_1" || captured.Reason != "changed mind" {
			t.Fatalf("unexpected command %+v", captured)
		}
		var body orderResponse
		decodeBody(t, rr, &body)
		if body.Order.Status != "cancelled" || body.Order.CancelledAt == "" {
			t.Fatalf("expected cancelled order with timestamp, got %+v", body.Order)
		}
	})

	t.Run("empty body and no key", func(t *testing.T) {
		req := withCustomer(jsonRequest(http.MethodPost, "/orders/ord_1:cancel", ""), "cus_1")
		rr := serve(t, "/orders", handler.Routes, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestOrderHandlers_CancelOrderConflicts(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{err: fmt.Errorf("%w: order is shipped", services.ErrInvalidTransition), code: "invalid_transition"},
		{err: fmt.Errorf("%w: prod_1", services.ErrRestorationFailed), code: "restoration_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			handler := NewOrderHandlers(nil, &stubOrderService{
				cancelFn: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			})
			req := withCustomer(jsonRequest(http.MethodPost, "/orders/ord_1:cancel", ""), "cus_1")
			rr := serve(t, "/orders", handler.Routes, req)
			assertErrorCode(t, rr, http.StatusConflict, tc.code)
		})
	}
}

func TestOrderHandlers_ServiceUnavailable(t *testing.T) {
	handler := NewOrderHandlers(nil, nil)
	req := withCustomer(jsonRequest(http.MethodGet, "/orders", ""), "cus_1")
	rr := serve(t, "/orders", handler.Routes, req)
	assertErrorCode(t, rr, http.StatusServiceUnavailable, "order_service_unavailable")
}
