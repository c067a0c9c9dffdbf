package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/orders-api/internal/domain"
)

// Registry exposes the stores of a single persistence backend plus its transaction boundary.
type Registry interface {
	UnitOfWork

	Catalog() CatalogRepository
	Orders() OrderRepository
	Counters() CounterRepository

	// Ping verifies the backend is reachable; used by readiness probes.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// RetryableError marks failures that may succeed if the whole unit of work is re-run,
// such as lock contention, aborted optimistic transactions or serialization failures.
type RetryableError interface {
	error
	IsRetryable() bool
}

// UnitOfWork groups repository calls in one atomic transaction. The transaction handle
// travels on the context passed to fn; repositories called with that context join it.
// fn returning an error rolls every write back.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogRepository owns product records and their stock counters.
type CatalogRepository interface {
	// GetForUpdate reads a product inside the current unit of work and serialises
	// concurrent stock changes on it until the unit of work ends.
	GetForUpdate(ctx context.Context, productID string) (domain.Product, error)
	// AdjustStock applies stock += delta; the result must not be negative.
	AdjustStock(ctx context.Context, productID string, delta int) (domain.Product, error)
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	List(ctx context.Context, page domain.Pagination) ([]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// OrderRepository persists orders together with their items.
type OrderRepository interface {
	InsertWithItems(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// GetForUpdate reads an order inside the current unit of work and blocks other
	// writers of the same order until the unit of work ends.
	GetForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	// ListByCustomer returns orders newest first.
	ListByCustomer(ctx context.Context, customerID string, page domain.Pagination) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) (domain.Order, error)
	Update(ctx context.Context, orderID string, update domain.OrderUpdate, at time.Time) (domain.Order, error)
}

// CounterRepository issues monotonically increasing sequence values.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository reports dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
