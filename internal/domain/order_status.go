package domain

import (
	"fmt"
	"slices"
	"strings"
)

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  nil,
	OrderStatusCancelled:  nil,
}

// OrderStatuses lists every status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// ParseOrderStatus normalises raw input into a known status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if status == "canceled" {
		status = OrderStatusCancelled
	}
	if !status.Valid() {
		return "", fmt.Errorf("domain: unknown order status %q", raw)
	}
	return status, nil
}

// Valid reports whether s belongs to the closed status set.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is defined from s.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderStatusTransitions[s]) == 0
}

// CanTransitionTo reports whether s → target is a legal transition. Self transitions are not.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	return slices.Contains(orderStatusTransitions[s], target)
}

// Next returns the forward fulfillment step from s.
func (s OrderStatus) Next() (OrderStatus, bool) {
	switch s {
	case OrderStatusPending:
		return OrderStatusProcessing, true
	case OrderStatusProcessing:
		return OrderStatusShipped, true
	case OrderStatusShipped:
		return OrderStatusDelivered, true
	}
	return "", false
}

// AllowsAddressChange reports whether the shipping address may still be edited.
func (s OrderStatus) AllowsAddressChange() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	return string(s)
}
