package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines offset based paging inputs for list operations.
type Pagination struct {
	Offset int
	Limit  int
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// MaxItemQuantity bounds a single line and the total quantity of one product in an order.
const MaxItemQuantity = 10_000

// Product is a catalog entry whose stock is reserved by orders.
type Product struct {
	ID          string
	Name        string
	Description string
	SKU         string
	Price       decimal.Decimal
	Stock       int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Order is a customer purchase. Only Status and ShippingAddress change after creation.
type Order struct {
	ID              string
	OrderNumber     string
	CustomerID      string
	ShippingAddress string
	Status          OrderStatus
	TotalAmount     decimal.Decimal
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
}

// OrderItem is an immutable line of an order with its captured unit price.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// LineItem is a requested product and quantity prior to pricing.
type LineItem struct {
	ProductID string
	Quantity  int
}

// OrderUpdate enumerates the mutable fields of an order. Nil fields are left untouched.
type OrderUpdate struct {
	Status          *OrderStatus
	ShippingAddress *string
}

// IsEmpty reports whether the update carries no changes.
func (u OrderUpdate) IsEmpty() bool {
	return u.Status == nil && u.ShippingAddress == nil
}

// ComputeSubtotal returns quantity × unit price.
func ComputeSubtotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// SumSubtotals totals item subtotals.
func SumSubtotals(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal)
	}
	return total
}

// CloneOrder returns a deep copy so callers can't mutate shared item slices.
func CloneOrder(order Order) Order {
	cloned := order
	if order.Items != nil {
		cloned.Items = make([]OrderItem, len(order.Items))
		copy(cloned.Items, order.Items)
	}
	if order.CancelledAt != nil {
		at := *order.CancelledAt
		cloned.CancelledAt = &at
	}
	return cloned
}
