package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/storefront/orders-api/internal/domain"
)

type orderRepository struct {
	store *Store
}

func orderLockKey(id string) string { return "order/" + id }

func (r orderRepository) InsertWithItems(ctx context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, conflict("orders.insert", "order id is required")
	}
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, orderLockKey(order.ID)); err != nil {
			return err
		}
		if _, exists := r.store.order(t, order.ID); exists {
			return conflict("orders.insert", "order %s already exists", order.ID)
		}
		stored := domain.CloneOrder(order)
		for i := range stored.Items {
			stored.Items[i].OrderID = order.ID
		}
		t.orders[order.ID] = stored
		order = domain.CloneOrder(stored)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := r.store.order(txFromContext(ctx), orderID)
	if !ok {
		return domain.Order{}, notFound("orders.findByID", "order %s not found", orderID)
	}
	return order, nil
}

func (r orderRepository) GetForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, orderLockKey(orderID)); err != nil {
			return err
		}
		found, ok := r.store.order(t, orderID)
		if !ok {
			return notFound("orders.getForUpdate", "order %s not found", orderID)
		}
		order = found
		return nil
	})
	return order, err
}

func (r orderRepository) ListByCustomer(_ context.Context, customerID string, page domain.Pagination) ([]domain.Order, error) {
	r.store.mu.RLock()
	var orders []domain.Order
	for _, order := range r.store.orders {
		if order.CustomerID == customerID {
			orders = append(orders, domain.CloneOrder(order))
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return window(orders, page), nil
}

func (r orderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) (domain.Order, error) {
	return r.Update(ctx, orderID, domain.OrderUpdate{Status: &status}, at)
}

func (r orderRepository) Update(ctx context.Context, orderID string, update domain.OrderUpdate, at time.Time) (domain.Order, error) {
	var order domain.Order
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, orderLockKey(orderID)); err != nil {
			return err
		}
		current, ok := r.store.order(t, orderID)
		if !ok {
			return notFound("orders.update", "order %s not found", orderID)
		}
		if update.Status != nil {
			current.Status = *update.Status
			if *update.Status == domain.OrderStatusCancelled {
				cancelledAt := at
				current.CancelledAt = &cancelledAt
			}
		}
		if update.ShippingAddress != nil {
			current.ShippingAddress = *update.ShippingAddress
		}
		current.UpdatedAt = at
		t.orders[orderID] = current
		order = domain.CloneOrder(current)
		return nil
	})
	return order, err
}

type counterRepository struct {
	store *Store
}

func (r counterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, conflict("counters.next", "counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.counters[counterID] += step
	return r.store.counters[counterID], nil
}
