package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
)

const orderColumns = `id, order_number, customer_id, shipping_address, status, total_amount::text, created_at, updated_at, cancelled_at`

type orderRepository struct {
	reg *Registry
}

func (r orderRepository) InsertWithItems(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.insert"
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, &Error{op: op, err: errors.New("order id is required"), code: codeCheckViolation}
	}
	stored := domain.CloneOrder(order)
	err := r.reg.withTx(ctx, func(ctx context.Context, q querier) error {
		batch := &pgx.Batch{}
		batch.Queue(`
INSERT INTO orders (id, order_number, customer_id, shipping_address, status, total_amount, created_at, updated_at, cancelled_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
			stored.ID, stored.OrderNumber, stored.CustomerID, stored.ShippingAddress, string(stored.Status),
			stored.TotalAmount.StringFixed(2), stored.CreatedAt, stored.UpdatedAt, stored.CancelledAt)
		for i := range stored.Items {
			item := &stored.Items[i]
			item.OrderID = stored.ID
			batch.Queue(`
INSERT INTO order_items (id, order_id, product_id, position, quantity, unit_price, subtotal)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)`,
				item.ID, item.OrderID, item.ProductID, i, item.Quantity, item.UnitPrice.StringFixed(2), item.Subtotal.StringFixed(2))
		}
		return q.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return stored, nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.fetch(ctx, r.reg.db(ctx), "orders.findByID", orderID, "")
}

func (r orderRepository) GetForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.reg.withTx(ctx, func(ctx context.Context, q querier) error {
		var err error
		order, err = r.fetch(ctx, q, "orders.getForUpdate", orderID, " FOR UPDATE")
		return err
	})
	return order, err
}

func (r orderRepository) fetch(ctx context.Context, q querier, op, orderID, lock string) (domain.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFound(op, "order %s not found", orderID)
		}
		return domain.Order{}, wrapError(op, err)
	}
	orders := []domain.Order{order}
	if err := loadItems(ctx, q, orders); err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return orders[0], nil
}

func (r orderRepository) ListByCustomer(ctx context.Context, customerID string, page domain.Pagination) ([]domain.Order, error) {
	const op = "orders.listByCustomer"
	limit := any(nil)
	if page.Limit > 0 {
		limit = page.Limit
	}
	q := r.reg.db(ctx)
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1
ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, customerID, page.Offset, limit)
	if err != nil {
		return nil, wrapError(op, err)
	}
	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, wrapError(op, err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, wrapError(op, err)
	}
	return orders, nil
}

func (r orderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) (domain.Order, error) {
	return r.Update(ctx, orderID, domain.OrderUpdate{Status: &status}, at)
}

func (r orderRepository) Update(ctx context.Context, orderID string, update domain.OrderUpdate, at time.Time) (domain.Order, error) {
	const op = "orders.update"
	var status *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}
	var order domain.Order
	err := r.reg.withTx(ctx, func(ctx context.Context, q querier) error {
		row := q.QueryRow(ctx, `
UPDATE orders SET
    status = COALESCE($2::text, status),
    shipping_address = COALESCE($3::text, shipping_address),
    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $4::timestamptz ELSE cancelled_at END,
    updated_at = $4::timestamptz
WHERE id = $1
RETURNING `+orderColumns, orderID, status, update.ShippingAddress, at.UTC())
		updated, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound(op, "order %s not found", orderID)
			}
			return err
		}
		orders := []domain.Order{updated}
		if err := loadItems(ctx, q, orders); err != nil {
			return err
		}
		order = orders[0]
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return order, nil
}

// loadItems fills the items of every order with a single query.
func loadItems(ctx context.Context, q querier, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
		orders[i].Items = []domain.OrderItem{}
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, quantity, unit_price::text, subtotal::text
FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item               domain.OrderItem
			unitPrice, subtotal string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &unitPrice, &subtotal); err != nil {
			return err
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return fmt.Errorf("decode item %s price: %w", item.ID, err)
		}
		if item.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
			return fmt.Errorf("decode item %s subtotal: %w", item.ID, err)
		}
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		total  string
	)
	if err := row.Scan(&order.ID, &order.OrderNumber, &order.CustomerID, &order.ShippingAddress, &status,
		&total, &order.CreatedAt, &order.UpdatedAt, &order.CancelledAt); err != nil {
		return domain.Order{}, err
	}
	parsed, err := decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", order.ID, err)
	}
	order.Status = domain.OrderStatus(status)
	order.TotalAmount = parsed
	return order, nil
}

type counterRepository struct {
	reg *Registry
}

// Next bumps the counter on the pool, outside any unit of work on ctx.
func (r counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	const op = "counters.next"
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, &Error{op: op, err: errors.New("counter id is required"), code: codeCheckViolation}
	}
	if step <= 0 {
		step = 1
	}
	var value int64
	err := r.reg.pool.QueryRow(ctx, `
INSERT INTO counters (id, value) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = now()
RETURNING value`, counterID, step).Scan(&value)
	if err != nil {
		return 0, wrapError(op, err)
	}
	return value, nil
}
