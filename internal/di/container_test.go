package di

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/config"
	"github.com/storefront/orders-api/internal/repositories"
	"github.com/storefront/orders-api/internal/repositories/memory"
	"github.com/storefront/orders-api/internal/services"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []services.OrderEvent
}

func (p *capturePublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Backend: config.StorageBackendMemory},
		Workflow: config.WorkflowConfig{
			TxTimeout:           time.Second,
			MaxAttempts:         2,
			BackoffInitial:      time.Millisecond,
			BackoffMax:          2 * time.Millisecond,
			BackoffMultiplier:   2,
			NotificationWorkers: 1,
		},
		Security: config.SecurityConfig{Environment: "test"},
	}
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), nil); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestContainerCreatesOrderAndDrainsEventsOnClose(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	store.Seed(domain.Product{
		ID:     "prod_1",
		Name:   "Notebook",
		SKU:    "NB-1",
		Price:  decimal.RequireFromString("12.50"),
		Stock:  4,
		Active: true,
	})

	publisher := &capturePublisher{}
	closed := false
	container, err := NewContainer(context.Background(), testConfig(), store,
		WithPublisher(publisher, func(context.Context) error {
			closed = true
			return nil
		}),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if container.Services.Orders == nil || container.Services.Catalog == nil || container.Services.System == nil {
		t.Fatalf("expected every service to be wired: %+v", container.Services)
	}

	order, err := container.Services.Orders.CreateOrder(context.Background(), services.CreateOrderCommand{
		CustomerID:      "cus_1",
		ShippingAddress: "1 Main Street, Springfield",
		Items:           []services.LineItem{{ProductID: "prod_1", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := order.TotalAmount.StringFixed(2); got != "25.00" {
		t.Fatalf("expected total 25.00, got %s", got)
	}

	product, err := container.Services.Catalog.GetProduct(context.Background(), "prod_1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after reservation, got %d", product.Stock)
	}

	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected publisher closer to run")
	}
	types := publisher.types()
	if len(types) != 1 || types[0] != services.OrderEventCreated {
		t.Fatalf("expected one order.created event, got %v", types)
	}
}

func TestContainerHealthReportIncludesExtraChecks(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(), memory.NewStore(),
		WithBuildInfo(services.BuildInfo{Version: "1.2.3"}),
		WithHealthChecks(repositories.DependencyCheck{
			Name:  "redis",
			Check: func(context.Context) error { return errors.New("connection refused") },
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	report, err := container.Services.System.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if check := report.Checks[config.StorageBackendMemory]; check.Status != domain.HealthStatusOK {
		t.Fatalf("expected memory check ok, got %+v", check)
	}
	if check := report.Checks["redis"]; check.Detail != "connection refused" {
		t.Fatalf("expected redis failure detail, got %+v", check)
	}
	if report.Version != "1.2.3" || report.Environment != "test" {
		t.Fatalf("unexpected build metadata: %+v", report)
	}
}
