package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/repositories"
	"github.com/storefront/orders-api/internal/repositories/memory"
)

var orderNumberPattern = regexp.MustCompile(`^ORD-2025-\d{6}$`)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

// stubCatalog delegates to a real repository unless a fn override is set.
type stubCatalog struct {
	repositories.CatalogRepository
	getForUpdateFn func(context.Context, string) (domain.Product, error)
	adjustStockFn  func(context.Context, string, int) (domain.Product, error)
}

func (s *stubCatalog) GetForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	if s.getForUpdateFn != nil {
		return s.getForUpdateFn(ctx, productID)
	}
	return s.CatalogRepository.GetForUpdate(ctx, productID)
}

func (s *stubCatalog) AdjustStock(ctx context.Context, productID string, delta int) (domain.Product, error) {
	if s.adjustStockFn != nil {
		return s.adjustStockFn(ctx, productID, delta)
	}
	return s.CatalogRepository.AdjustStock(ctx, productID, delta)
}

type stubOrders struct {
	repositories.OrderRepository
	insertFn func(context.Context, domain.Order) (domain.Order, error)
}

func (s *stubOrders) InsertWithItems(ctx context.Context, order domain.Order) (domain.Order, error) {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return s.OrderRepository.InsertWithItems(ctx, order)
}

type contention struct{}

func (contention) Error() string     { return "lock contention" }
func (contention) IsRetryable() bool { return true }

type orderFixture struct {
	store   *memory.Store
	catalog *stubCatalog
	orders  *stubOrders
	events  *captureOrderEvents
	metrics *countingMetrics
	svc     OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	store := memory.NewStore()
	store.Seed(
		domain.Product{ID: "prd_a", Name: "Mug", Price: decimal.RequireFromString("10.00"), Stock: 5, Active: true},
		domain.Product{ID: "prd_b", Name: "Pen", Price: decimal.RequireFromString("5.00"), Stock: 3, Active: true},
		domain.Product{ID: "prd_off", Name: "Retired", Price: decimal.RequireFromString("1.00"), Stock: 9, Active: false},
	)
	f := &orderFixture{
		store:   store,
		catalog: &stubCatalog{CatalogRepository: store.Catalog()},
		orders:  &stubOrders{OrderRepository: store.Orders()},
		events:  &captureOrderEvents{},
		metrics: newCountingMetrics(),
	}
	var seq atomic.Int64
	svc, err := NewOrderService(OrderServiceDeps{
		Catalog:    f.catalog,
		Orders:     f.orders,
		Counters:   store.Counters(),
		UnitOfWork: store,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			TxTimeout:   200 * time.Millisecond,
			Backoff:     gax.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		},
		Clock:       func() time.Time { return time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC) },
		IDGenerator: func() string { return fmt.Sprintf("%04d", seq.Add(1)) },
		Events:      f.events,
		Metrics:     f.metrics,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *orderFixture) stock(t *testing.T, productID string) int {
	t.Helper()
	product, err := f.store.Catalog().FindByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("FindByID %s: %v", productID, err)
	}
	return product.Stock
}

func (f *orderFixture) place(t *testing.T, customerID string, items ...LineItem) Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      customerID,
		ShippingAddress: "1 Main Street, Springfield",
		Items:           items,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	store := memory.NewStore()
	cases := map[string]OrderServiceDeps{
		"catalog":  {Orders: store.Orders(), Counters: store.Counters(), UnitOfWork: store},
		"orders":   {Catalog: store.Catalog(), Counters: store.Counters(), UnitOfWork: store},
		"counters": {Catalog: store.Catalog(), Orders: store.Orders(), UnitOfWork: store},
		"uow":      {Catalog: store.Catalog(), Orders: store.Orders(), Counters: store.Counters()},
	}
	for name, deps := range cases {
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCreateOrderComputesTotalAndReservesStock(t *testing.T) {
	f := newOrderFixture(t)

	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 2}, LineItem{ProductID: "prd_b", Quantity: 1})

	if !order.TotalAmount.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("expected total 25.00, got %s", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if !orderNumberPattern.MatchString(order.OrderNumber) {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.ID != "ord_0001" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	wantItems := []domain.OrderItem{
		{ID: "itm_0002", OrderID: "ord_0001", ProductID: "prd_a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00"), Subtotal: decimal.RequireFromString("20.00")},
		{ID: "itm_0003", OrderID: "ord_0001", ProductID: "prd_b", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00"), Subtotal: decimal.RequireFromString("5.00")},
	}
	if diff := cmp.Diff(wantItems, order.Items, cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if got := f.stock(t, "prd_a"); got != 3 {
		t.Fatalf("expected prd_a stock 3, got %d", got)
	}
	if got := f.stock(t, "prd_b"); got != 2 {
		t.Fatalf("expected prd_b stock 2, got %d", got)
	}
	if diff := cmp.Diff([]string{OrderEventCreated}, f.events.types()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	stored, err := f.store.Orders().FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if !stored.TotalAmount.Equal(order.TotalAmount) {
		t.Fatalf("stored total mismatch")
	}
}

func TestCreateOrderValidatesBeforeStoreAccess(t *testing.T) {
	f := newOrderFixture(t)
	f.catalog.getForUpdateFn = func(context.Context, string) (domain.Product, error) {
		t.Fatalf("catalog must not be touched by invalid input")
		return domain.Product{}, nil
	}

	cases := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{name: "empty", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "1 Main Street"}, want: ErrEmptyOrder},
		{name: "zero quantity", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_a", Quantity: 0}}}, want: ErrInvalidQuantity},
		{name: "negative quantity", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_a", Quantity: 1}, {ProductID: "prd_b", Quantity: -1}}}, want: ErrInvalidQuantity},
		{name: "blank address", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "  ", Items: []LineItem{{ProductID: "prd_a", Quantity: 1}}}, want: ErrInvalidShippingAddress},
		{name: "markup address", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "<img src=x> 1 Main St", Items: []LineItem{{ProductID: "prd_a", Quantity: 1}}}, want: ErrInvalidShippingAddress},
		{name: "customer", cmd: CreateOrderCommand{ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_a", Quantity: 1}}}, want: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if ClassifyError(err) != ErrorKindValidation {
				t.Fatalf("expected validation kind, got %s", ClassifyError(err))
			}
		})
	}
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	f := newOrderFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main Street",
		Items:           []LineItem{{ProductID: "prd_a", Quantity: 1}, {ProductID: "prd_missing", Quantity: 1}},
	})
	var notFound *ProductNotFoundError
	if !errors.As(err, &notFound) || notFound.ProductID != "prd_missing" {
		t.Fatalf("expected product not found for prd_missing, got %v", err)
	}
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected sentinel match")
	}
	if got := f.stock(t, "prd_a"); got != 5 {
		t.Fatalf("stock must be untouched, got %d", got)
	}

	_, err = f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_off", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected inactive product to be unavailable, got %v", err)
	}
	if len(f.events.types()) != 0 {
		t.Fatalf("no events expected on failure")
	}
}

func TestCreateOrderInsufficientStockIsCumulative(t *testing.T) {
	f := newOrderFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main Street",
		Items: []LineItem{
			{ProductID: "prd_b", Quantity: 2},
			{ProductID: "prd_a", Quantity: 1},
			{ProductID: "prd_b", Quantity: 2},
		},
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.ProductID != "prd_b" || stockErr.Requested != 4 || stockErr.Available != 3 {
		t.Fatalf("unexpected shortfall %+v", stockErr)
	}
	if ClassifyError(err) != ErrorKindConflict {
		t.Fatalf("expected conflict kind")
	}
	if f.stock(t, "prd_a") != 5 || f.stock(t, "prd_b") != 3 {
		t.Fatalf("stock must be untouched")
	}
}

func TestCreateOrderRejectsQuantitiesBeyondLimit(t *testing.T) {
	f := newOrderFixture(t)
	f.catalog.getForUpdateFn = func(context.Context, string) (domain.Product, error) {
		t.Fatalf("catalog must not be touched by an out of range quantity")
		return domain.Product{}, nil
	}

	cases := map[string][]LineItem{
		"max int twice":       {{ProductID: "prd_a", Quantity: math.MaxInt}, {ProductID: "prd_a", Quantity: math.MaxInt}},
		"max int and two":     {{ProductID: "prd_a", Quantity: math.MaxInt}, {ProductID: "prd_a", Quantity: 2}},
		"single line":         {{ProductID: "prd_a", Quantity: domain.MaxItemQuantity + 1}},
		"accumulated product": {{ProductID: "prd_a", Quantity: domain.MaxItemQuantity}, {ProductID: "prd_b", Quantity: 1}, {ProductID: "prd_a", Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: items})
			if !errors.Is(err, ErrInvalidQuantity) {
				t.Fatalf("expected invalid quantity, got %v", err)
			}
		})
	}

	f.catalog.getForUpdateFn = nil
	if f.stock(t, "prd_a") != 5 || f.stock(t, "prd_b") != 3 {
		t.Fatalf("stock must be untouched")
	}
	if len(f.events.types()) != 0 {
		t.Fatalf("no events expected on failure")
	}
}

func TestCreateOrderLocksProductsInIDOrder(t *testing.T) {
	f := newOrderFixture(t)
	var mu sync.Mutex
	var locked []string
	f.catalog.getForUpdateFn = func(ctx context.Context, productID string) (domain.Product, error) {
		mu.Lock()
		locked = append(locked, productID)
		mu.Unlock()
		return f.store.Catalog().GetForUpdate(ctx, productID)
	}

	order := f.place(t, "cus_1", LineItem{ProductID: "prd_b", Quantity: 1}, LineItem{ProductID: "prd_a", Quantity: 1})
	if diff := cmp.Diff([]string{"prd_a", "prd_b"}, locked); diff != "" {
		t.Fatalf("lock order mismatch (-want +got):\n%s", diff)
	}
	if order.Items[0].ProductID != "prd_b" || order.Items[1].ProductID != "prd_a" {
		t.Fatalf("items must keep caller order, got %+v", order.Items)
	}

	// errors are still reported for the first offending line
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main Street",
		Items:           []LineItem{{ProductID: "prd_zz", Quantity: 1}, {ProductID: "prd_a", Quantity: 99}},
	})
	var notFound *ProductNotFoundError
	if !errors.As(err, &notFound) || notFound.ProductID != "prd_zz" {
		t.Fatalf("expected product not found for prd_zz, got %v", err)
	}
}

func TestCreateOrderOpposingItemOrdersDoNotDeadlock(t *testing.T) {
	f := newOrderFixture(t)
	// the first two row locks taken wait for each other, so acquiring them in caller
	// order would leave each order holding the row the other needs
	ready := make(chan struct{})
	var calls atomic.Int32
	f.catalog.getForUpdateFn = func(ctx context.Context, productID string) (domain.Product, error) {
		product, err := f.store.Catalog().GetForUpdate(ctx, productID)
		n := calls.Add(1)
		if n == 2 {
			close(ready)
		}
		if n <= 2 {
			select {
			case <-ready:
			case <-time.After(50 * time.Millisecond):
			}
		}
		return product, err
	}

	itemSets := [][]LineItem{
		{{ProductID: "prd_a", Quantity: 1}, {ProductID: "prd_b", Quantity: 1}},
		{{ProductID: "prd_b", Quantity: 1}, {ProductID: "prd_a", Quantity: 1}},
	}
	errs := make([]error, len(itemSets))
	var wg sync.WaitGroup
	for i, items := range itemSets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CreateOrder(context.Background(), CreateOrderCommand{CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: items})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
	}
	f.metrics.mu.Lock()
	retries := f.metrics.retries[opCreateOrder]
	f.metrics.mu.Unlock()
	if retries != 0 {
		t.Fatalf("expected no transaction retries, got %d", retries)
	}
	if f.stock(t, "prd_a") != 3 || f.stock(t, "prd_b") != 1 {
		t.Fatalf("unexpected stock a=%d b=%d", f.stock(t, "prd_a"), f.stock(t, "prd_b"))
	}
}

func TestCreateOrderRollsBackWhenInsertFails(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.insertFn = func(context.Context, domain.Order) (domain.Order, error) {
		return domain.Order{}, errors.New("disk full")
	}
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_a", Quantity: 2}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := f.stock(t, "prd_a"); got != 5 {
		t.Fatalf("stock decrement must roll back, got %d", got)
	}
}

func TestCreateOrderRetriesTransientFailures(t *testing.T) {
	f := newOrderFixture(t)
	var calls atomic.Int32
	f.catalog.getForUpdateFn = func(ctx context.Context, productID string) (domain.Product, error) {
		if calls.Add(1) == 1 {
			return domain.Product{}, contention{}
		}
		return f.store.Catalog().GetForUpdate(ctx, productID)
	}

	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to be created after retry")
	}
	if f.metrics.retries[opCreateOrder] != 1 {
		t.Fatalf("expected one retry, got %v", f.metrics.retries)
	}
	if f.stock(t, "prd_a") != 4 {
		t.Fatalf("expected a single decrement")
	}
}

func TestCreateOrderGivesUpAfterRetries(t *testing.T) {
	f := newOrderFixture(t)
	f.catalog.getForUpdateFn = func(context.Context, string) (domain.Product, error) {
		return domain.Product{}, contention{}
	}
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1", ShippingAddress: "1 Main Street", Items: []LineItem{{ProductID: "prd_a", Quantity: 1}},
	})
	if !errors.Is(err, ErrTemporarilyUnavailable) {
		t.Fatalf("expected temporarily unavailable, got %v", err)
	}
	if f.metrics.outcomes[opCreateOrder+"/"+string(ErrorKindTransient)] != 1 {
		t.Fatalf("expected transient outcome recorded, got %v", f.metrics.outcomes)
	}
}

func TestCreateOrderNeverOversellsUnderConcurrency(t *testing.T) {
	f := newOrderFixture(t)

	const buyers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		shortfall atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
				CustomerID:      fmt.Sprintf("cus_%d", i),
				ShippingAddress: "1 Main Street",
				Items:           []LineItem{{ProductID: "prd_a", Quantity: 1}},
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				shortfall.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 5 || shortfall.Load() != buyers-5 {
		t.Fatalf("expected 5 successes, got %d (shortfall %d)", succeeded.Load(), shortfall.Load())
	}
	if got := f.stock(t, "prd_a"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 2}, LineItem{ProductID: "prd_a", Quantity: 1}, LineItem{ProductID: "prd_b", Quantity: 1})

	cancelled, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_1", Reason: "changed mind"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled order with timestamp, got %+v", cancelled)
	}
	if f.stock(t, "prd_a") != 5 || f.stock(t, "prd_b") != 3 {
		t.Fatalf("stock must be fully restored")
	}
	if diff := cmp.Diff([]string{OrderEventCreated, OrderEventCancelled}, f.events.types()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	_, err = f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second cancel, got %v", err)
	}
	if f.stock(t, "prd_a") != 5 {
		t.Fatalf("second cancel must not restore again")
	}
}

func TestCancelOrderChecksOwnershipAndExistence(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})

	_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_2"})
	if !errors.Is(err, ErrNotAuthorized) || ClassifyError(err) != ErrorKindForbidden {
		t.Fatalf("expected not authorized, got %v", err)
	}
	_, err = f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "ord_missing", CustomerID: "cus_1"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.stock(t, "prd_a") != 4 {
		t.Fatalf("failed cancels must not touch stock")
	}
}

func TestCancelOrderRejectsNonPending(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	if _, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusProcessing}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	f.catalog.adjustStockFn = func(context.Context, string, int) (domain.Product, error) {
		t.Fatalf("catalog must not be touched when cancelling a processing order")
		return domain.Product{}, nil
	}

	_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelOrderRestorationFailureRollsBack(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 2}, LineItem{ProductID: "prd_b", Quantity: 1})

	f.catalog.adjustStockFn = func(ctx context.Context, productID string, delta int) (domain.Product, error) {
		if productID == "prd_b" {
			return domain.Product{}, repositories.NewProductNotFound("catalog.adjustStock", productID, nil)
		}
		return f.store.Catalog().AdjustStock(ctx, productID, delta)
	}

	_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_1"})
	if !errors.Is(err, ErrRestorationFailed) {
		t.Fatalf("expected restoration failed, got %v", err)
	}
	stored, _ := f.store.Orders().FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("order must stay pending, got %s", stored.Status)
	}
	if f.stock(t, "prd_a") != 3 {
		t.Fatalf("partial restoration must roll back, got %d", f.stock(t, "prd_a"))
	}
}

func TestConcurrentCancelRestoresOnce(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 3})

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, CustomerID: "cus_1"}); err == nil {
				success.Add(1)
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success.Load() != 1 {
		t.Fatalf("expected exactly one cancel to win, got %d", success.Load())
	}
	if got := f.stock(t, "prd_a"); got != 5 {
		t.Fatalf("expected stock restored once to 5, got %d", got)
	}
}

func TestTransitionStatusWalksLifecycle(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	ctx := context.Background()

	for _, target := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		updated, err := f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, Target: target, ActorID: "fulfillment"})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("expected %s, got %s", target, updated.Status)
		}
	}

	_, err := f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusDelivered})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("self transition must fail, got %v", err)
	}
	_, err = f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusCancelled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after delivery must fail, got %v", err)
	}
	_, err = f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, Target: "lost"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("unknown status must be invalid input, got %v", err)
	}
}

func TestTransitionStatusAdvancesWithoutTarget(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	ctx := context.Background()

	for _, want := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		updated, err := f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, ActorID: "fulfillment"})
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if updated.Status != want {
			t.Fatalf("expected %s, got %s", want, updated.Status)
		}
	}
	if _, err := f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("delivered order must not advance, got %v", err)
	}
}

func TestTransitionStatusSkipsAreRejected(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	_, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusShipped})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending to shipped must fail, got %v", err)
	}
}

func TestTransitionStatusCancelRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_b", Quantity: 2})

	cancelled, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusCancelled, ActorID: "staff_1"})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || f.stock(t, "prd_b") != 3 {
		t.Fatalf("expected staff cancel to restore stock")
	}
}

func TestUpdateShippingAddress(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	ctx := context.Background()

	updated, err := f.svc.UpdateShippingAddress(ctx, UpdateShippingAddressCommand{OrderID: order.ID, CustomerID: "cus_1", ShippingAddress: " 9 Elm Road "})
	if err != nil {
		t.Fatalf("UpdateShippingAddress: %v", err)
	}
	if updated.ShippingAddress != "9 Elm Road" || updated.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order %+v", updated)
	}

	_, err = f.svc.UpdateShippingAddress(ctx, UpdateShippingAddressCommand{OrderID: order.ID, CustomerID: "cus_2", ShippingAddress: "9 Elm Road"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	for _, target := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped} {
		if _, err := f.svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, Target: target}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	_, err = f.svc.UpdateShippingAddress(ctx, UpdateShippingAddressCommand{OrderID: order.ID, CustomerID: "cus_1", ShippingAddress: "10 Elm Road"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected address lock after shipping, got %v", err)
	}
}

func TestGetAndListOrders(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	first := f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	f.place(t, "cus_1", LineItem{ProductID: "prd_a", Quantity: 1})
	f.place(t, "cus_1", LineItem{ProductID: "prd_b", Quantity: 1})
	f.place(t, "cus_2", LineItem{ProductID: "prd_b", Quantity: 1})

	got, err := f.svc.GetOrder(ctx, first.ID, "cus_1")
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetOrder: %v", err)
	}
	if _, err := f.svc.GetOrder(ctx, first.ID, "cus_2"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, err := f.svc.GetOrder(ctx, "ord_missing", "cus_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	page, err := f.svc.ListOrders(ctx, OrderListFilter{CustomerID: "cus_1", Pagination: Pagination{Limit: 2}})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 2 || page.NextPageToken == "" {
		t.Fatalf("expected a full first page with a token, got %d items token %q", len(page.Items), page.NextPageToken)
	}
	page, err = f.svc.ListOrders(ctx, OrderListFilter{CustomerID: "cus_1", Pagination: Pagination{Offset: 2, Limit: 2}})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.NextPageToken != "" {
		t.Fatalf("expected final page of one, got %d token %q", len(page.Items), page.NextPageToken)
	}
	if _, err := f.svc.ListOrders(ctx, OrderListFilter{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input without customer, got %v", err)
	}
}
