package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront/orders-api/internal/domain"
	pfirestore "github.com/storefront/orders-api/internal/platform/firestore"
)

const ordersCollection = "orders"

// orderDocument embeds items so an order and its lines commit as one write.
type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	CustomerID      string              `firestore:"customerId"`
	ShippingAddress string              `firestore:"shippingAddress"`
	Status          string              `firestore:"status"`
	TotalAmount     string              `firestore:"totalAmount"`
	Items           []orderItemDocument `firestore:"items"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice string `firestore:"unitPrice"`
	Subtotal  string `firestore:"subtotal"`
}

// OrderRepository stores orders in the orders collection.
type OrderRepository struct {
	provider *pfirestore.Provider
}

type orderError struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *orderError) Error() string       { return e.op + ": " + e.msg }
func (e *orderError) IsNotFound() bool    { return e.notFound }
func (e *orderError) IsConflict() bool    { return e.conflict }
func (e *orderError) IsUnavailable() bool { return false }

func (r *OrderRepository) ref(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection).Doc(orderID), nil
}

func (r *OrderRepository) InsertWithItems(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.insert"
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, &orderError{op: op, msg: "order id is required", conflict: true}
	}
	stored := domain.CloneOrder(order)
	for i := range stored.Items {
		stored.Items[i].OrderID = order.ID
	}
	err := runTx(ctx, r.provider, func(ctx context.Context, st *txState) error {
		ref, err := r.ref(ctx, order.ID)
		if err != nil {
			return err
		}
		doc := newOrderDocument(stored)
		if err := st.tx.Create(ref, doc); err != nil {
			return pfirestore.WrapError(op, err)
		}
		st.orders[order.ID] = doc
		return nil
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return domain.Order{}, &orderError{op: op, msg: fmt.Sprintf("order %s already exists", order.ID), conflict: true}
		}
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return stored, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.findByID"
	if st := txStateFrom(ctx); st != nil {
		if doc, ok := st.orders[orderID]; ok {
			return doc.toDomain(orderID)
		}
	}
	ref, err := r.ref(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, r.readError(op, orderID, err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	st := txStateFrom(ctx)
	if st == nil {
		return r.FindByID(ctx, orderID)
	}
	doc, _, err := r.load(ctx, st, "orders.getForUpdate", orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID)
}

func (r *OrderRepository) load(ctx context.Context, st *txState, op, orderID string) (orderDocument, *firestore.DocumentRef, error) {
	ref, err := r.ref(ctx, orderID)
	if err != nil {
		return orderDocument{}, nil, err
	}
	if doc, ok := st.orders[orderID]; ok {
		return doc, ref, nil
	}
	snap, err := st.tx.Get(ref)
	if err != nil {
		return orderDocument{}, nil, r.readError(op, orderID, err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return orderDocument{}, nil, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	st.orders[orderID] = doc
	return doc, ref, nil
}

// ListByCustomer reads one page inside a read-only transaction so the page is a single snapshot.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, page domain.Pagination) ([]domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(ordersCollection).
		Where("customerId", "==", customerID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)

	var orders []domain.Order
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orders = []domain.Order{}
		iter := tx.Documents(window(page, query))
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return pfirestore.WrapError("orders.listByCustomer", err)
			}
			order, err := decodeOrder(snap)
			if err != nil {
				return err
			}
			orders = append(orders, order)
		}
	}, pfirestore.WithReadOnly())
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) (domain.Order, error) {
	return r.Update(ctx, orderID, domain.OrderUpdate{Status: &status}, at)
}

func (r *OrderRepository) Update(ctx context.Context, orderID string, update domain.OrderUpdate, at time.Time) (domain.Order, error) {
	const op = "orders.update"
	var order domain.Order
	err := runTx(ctx, r.provider, func(ctx context.Context, st *txState) error {
		doc, ref, err := r.load(ctx, st, op, orderID)
		if err != nil {
			return err
		}
		at = at.UTC()
		if update.Status != nil {
			doc.Status = string(*update.Status)
			if *update.Status == domain.OrderStatusCancelled {
				cancelledAt := at
				doc.CancelledAt = &cancelledAt
			}
		}
		if update.ShippingAddress != nil {
			doc.ShippingAddress = *update.ShippingAddress
		}
		doc.UpdatedAt = at
		if err := st.tx.Set(ref, doc); err != nil {
			return pfirestore.WrapError(op, err)
		}
		st.orders[orderID] = doc
		order, err = doc.toDomain(orderID)
		return err
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) readError(op, orderID string, err error) error {
	if status.Code(err) == codes.NotFound {
		return &orderError{op: op, msg: fmt.Sprintf("order %s not found", orderID), notFound: true}
	}
	return pfirestore.WrapError(op, err)
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Subtotal:  item.Subtotal.StringFixed(2),
		})
	}
	doc := orderDocument{
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		ShippingAddress: order.ShippingAddress,
		Status:          string(order.Status),
		TotalAmount:     order.TotalAmount.StringFixed(2),
		Items:           items,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.CancelledAt != nil {
		cancelledAt := order.CancelledAt.UTC()
		doc.CancelledAt = &cancelledAt
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	total, err := decimal.NewFromString(d.TotalAmount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", id, err)
	}
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		unitPrice, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %s price: %w", id, item.ID, err)
		}
		subtotal, err := decimal.NewFromString(item.Subtotal)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %s subtotal: %w", id, item.ID, err)
		}
		items = append(items, domain.OrderItem{
			ID:        item.ID,
			OrderID:   id,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
		})
	}
	order := domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		CustomerID:      d.CustomerID,
		ShippingAddress: d.ShippingAddress,
		Status:          domain.OrderStatus(d.Status),
		TotalAmount:     total,
		Items:           items,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.CancelledAt != nil {
		cancelledAt := *d.CancelledAt
		order.CancelledAt = &cancelledAt
	}
	return order, nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}
