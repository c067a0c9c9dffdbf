package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination   = domain.Pagination
	Order        = domain.Order
	OrderItem    = domain.OrderItem
	OrderStatus  = domain.OrderStatus
	OrderUpdate  = domain.OrderUpdate
	LineItem     = domain.LineItem
	Product      = domain.Product
	HealthReport = domain.HealthReport
)

// OrderService owns the order lifecycle: creation with stock reservation, cancellation
// with stock restoration, and forward fulfillment transitions.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID, customerID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// CatalogService exposes product reads and staff maintenance.
type CatalogService interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
}

// SystemService reports dependency health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand places an order for CustomerID.
type CreateOrderCommand struct {
	CustomerID      string
	ShippingAddress string
	Items           []LineItem
}

// CancelOrderCommand cancels a pending order owned by CustomerID.
type CancelOrderCommand struct {
	OrderID    string
	CustomerID string
	Reason     string
}

// OrderListFilter selects a customer's orders newest first.
type OrderListFilter struct {
	CustomerID string
	Pagination Pagination
}

// UpdateShippingAddressCommand replaces the shipping address of an order before it ships.
type UpdateShippingAddressCommand struct {
	OrderID         string
	CustomerID      string
	ShippingAddress string
}

// OrderStatusTransitionCommand moves an order to Target on behalf of staff or a fulfillment system.
// An empty Target advances the order one fulfillment step.
type OrderStatusTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
	Reason  string
}

// ProductListFilter pages through the catalog ordered by id.
type ProductListFilter struct {
	Pagination Pagination
}

// UpsertProductCommand creates or replaces a product.
type UpsertProductCommand struct {
	ProductID   string
	Name        string
	Description string
	SKU         string
	Price       decimal.Decimal
	Stock       int
	Active      bool
	ActorID     string
}

// SystemHealthReport is the health report enriched with build metadata.
type SystemHealthReport struct {
	domain.HealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}
