package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/pagination"
	"github.com/storefront/orders-api/internal/platform/textutil"
	"github.com/storefront/orders-api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "itm_"
	orderCounterID    = "orders"

	opCreateOrder    = "create_order"
	opCancelOrder    = "cancel_order"
	opUpdateAddress  = "update_shipping_address"
	opTransition     = "transition_status"
	opGenerateNumber = "generate_order_number"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Catalog     repositories.CatalogRepository
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Retry       RetryPolicy
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Metrics     WorkflowMetrics
	Logger      Logger
}

type orderService struct {
	catalog    repositories.CatalogRepository
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	retry      RetryPolicy
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	metrics    WorkflowMetrics
	logger     Logger
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &orderService{
		catalog:    deps.Catalog,
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: deps.UnitOfWork,
		retry:      deps.Retry.normalized(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		events:  deps.Events,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (order Order, err error) {
	defer s.observe(opCreateOrder, time.Now(), &err)

	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, ErrEmptyOrder
	}
	requested := make(map[string]int, len(cmd.Items))
	productIDs := make([]string, 0, len(cmd.Items))
	lines := make([]LineItem, len(cmd.Items))
	for i, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: items[%d].productId is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 || item.Quantity > domain.MaxItemQuantity {
			return Order{}, fmt.Errorf("%w: items[%d] quantity %d", ErrInvalidQuantity, i, item.Quantity)
		}
		total, seen := requested[productID]
		if !seen {
			productIDs = append(productIDs, productID)
		}
		// both operands are capped, so the sum cannot overflow
		if total+item.Quantity > domain.MaxItemQuantity {
			return Order{}, fmt.Errorf("%w: product %s quantity exceeds %d", ErrInvalidQuantity, productID, domain.MaxItemQuantity)
		}
		requested[productID] = total + item.Quantity
		lines[i] = LineItem{ProductID: productID, Quantity: item.Quantity}
	}
	address, err := textutil.NormalizeAddress(cmd.ShippingAddress)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrInvalidShippingAddress, err)
	}

	now := s.now()
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	draft := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     number,
		CustomerID:      customerID,
		ShippingAddress: address,
		Status:          domain.OrderStatusPending,
		Items:           make([]OrderItem, len(lines)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, line := range lines {
		draft.Items[i] = OrderItem{ID: orderItemIDPrefix + s.newID(), OrderID: draft.ID, ProductID: line.ProductID, Quantity: line.Quantity}
	}

	err = s.runInTx(ctx, opCreateOrder, func(txCtx context.Context) error {
		// every read happens before the first write
		locked, err := s.lockProducts(txCtx, productIDs)
		if err != nil {
			return err
		}
		products := make(map[string]Product, len(productIDs))
		for _, productID := range productIDs {
			product, ok := locked[productID]
			if !ok || !product.Active {
				return &ProductNotFoundError{ProductID: productID}
			}
			if requested[productID] > product.Stock {
				return &InsufficientStockError{ProductID: productID, Requested: requested[productID], Available: product.Stock}
			}
			products[productID] = product
		}

		candidate := domain.CloneOrder(draft)
		for i := range candidate.Items {
			item := &candidate.Items[i]
			item.UnitPrice = products[item.ProductID].Price
			item.Subtotal = domain.ComputeSubtotal(item.UnitPrice, item.Quantity)
		}
		candidate.TotalAmount = domain.SumSubtotals(candidate.Items)

		for _, productID := range productIDs {
			if _, err := s.catalog.AdjustStock(txCtx, productID, -requested[productID]); err != nil {
				return mapRepositoryError(err)
			}
		}

		inserted, err := s.orders.InsertWithItems(txCtx, candidate)
		if err != nil {
			return mapRepositoryError(err)
		}
		order = inserted
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          OrderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		ActorID:       customerID,
		OccurredAt:    now,
		Payload: map[string]any{
			"totalAmount": order.TotalAmount.StringFixed(2),
			"itemCount":   len(order.Items),
		},
	})
	return order, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (order Order, err error) {
	defer s.observe(opCancelOrder, time.Now(), &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if current.CustomerID != customerID {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotAuthorized, orderID)
	}
	return s.cancel(ctx, current, customerID, cmd.Reason)
}

// lockProducts takes the product row locks in id order, so units of work naming the same
// products in different orders cannot deadlock. Missing products are left out of the result.
func (s *orderService) lockProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	locked := make(map[string]Product, len(productIDs))
	for _, productID := range sortedIDs(productIDs) {
		product, err := s.catalog.GetForUpdate(ctx, productID)
		switch {
		case err == nil:
			locked[productID] = product
		case errors.Is(mapRepositoryError(err), ErrProductNotFound):
			// reported by the caller, in item order
		default:
			return nil, mapRepositoryError(err)
		}
	}
	return locked, nil
}

func sortedIDs(ids []string) []string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return sorted
}

// cancel restores stock for every item and flips the order to cancelled in one unit of work.
func (s *orderService) cancel(ctx context.Context, current Order, actorID, reason string) (Order, error) {
	if !current.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, current.ID, current.Status)
	}

	now := s.now()
	var cancelled Order
	err := s.runInTx(ctx, opCancelOrder, func(txCtx context.Context) error {
		locked, err := s.orders.GetForUpdate(txCtx, current.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		// a concurrent cancel may have committed since the first read
		if !locked.Status.CanTransitionTo(domain.OrderStatusCancelled) {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, locked.ID, locked.Status)
		}

		restore := make(map[string]int, len(locked.Items))
		productIDs := make([]string, 0, len(locked.Items))
		for _, item := range locked.Items {
			total, seen := restore[item.ProductID]
			if !seen {
				productIDs = append(productIDs, item.ProductID)
			}
			if item.Quantity <= 0 || total > math.MaxInt-item.Quantity {
				return restorationError(item.ProductID, fmt.Errorf("item %s quantity %d out of range", item.ID, item.Quantity))
			}
			restore[item.ProductID] = total + item.Quantity
		}
		for _, productID := range sortedIDs(productIDs) {
			if _, err := s.catalog.GetForUpdate(txCtx, productID); err != nil {
				return restorationError(productID, err)
			}
		}
		for _, productID := range productIDs {
			if _, err := s.catalog.AdjustStock(txCtx, productID, restore[productID]); err != nil {
				return restorationError(productID, err)
			}
		}

		updated, err := s.orders.UpdateStatus(txCtx, locked.ID, domain.OrderStatusCancelled, now)
		if err != nil {
			return restorationError("", err)
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	payload := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		payload["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           OrderEventCancelled,
		OrderID:        cancelled.ID,
		OrderNumber:    cancelled.OrderNumber,
		CustomerID:     cancelled.CustomerID,
		PreviousStatus: string(current.Status),
		CurrentStatus:  string(cancelled.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Payload:        payload,
	})
	return cancelled, nil
}

func restorationError(productID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTransient(err) {
		return err
	}
	if productID == "" {
		return fmt.Errorf("%w: %v", ErrRestorationFailed, err)
	}
	return fmt.Errorf("%w: product %s: %v", ErrRestorationFailed, productID, err)
}

func (s *orderService) GetOrder(ctx context.Context, orderID, customerID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if order.CustomerID != strings.TrimSpace(customerID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotAuthorized, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	customerID := strings.TrimSpace(filter.CustomerID)
	if customerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	offset := max(filter.Pagination.Offset, 0)
	limit := pagination.Clamp(filter.Pagination.Limit)

	// one extra row tells whether another page exists
	orders, err := s.orders.ListByCustomer(ctx, customerID, Pagination{Offset: offset, Limit: limit + 1})
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err)
	}
	page := domain.CursorPage[Order]{Items: orders}
	if len(orders) > limit {
		page.Items = orders[:limit]
		page.NextPageToken = pagination.NextToken(offset, limit)
	}
	return page, nil
}

func (s *orderService) UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (order Order, err error) {
	defer s.observe(opUpdateAddress, time.Now(), &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	address, err := textutil.NormalizeAddress(cmd.ShippingAddress)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrInvalidShippingAddress, err)
	}

	now := s.now()
	var previous string
	err = s.runInTx(ctx, opUpdateAddress, func(txCtx context.Context) error {
		current, err := s.orders.GetForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if current.CustomerID != strings.TrimSpace(cmd.CustomerID) {
			return fmt.Errorf("%w: order %s", ErrNotAuthorized, orderID)
		}
		if !current.Status.AllowsAddressChange() {
			return fmt.Errorf("%w: shipping address cannot change once %s", ErrInvalidTransition, current.Status)
		}
		previous = current.ShippingAddress
		updated, err := s.orders.Update(txCtx, orderID, OrderUpdate{ShippingAddress: &address}, now)
		if err != nil {
			return mapRepositoryError(err)
		}
		order = updated
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if previous != address {
		s.publishEvent(ctx, OrderEvent{
			Type:          OrderEventAddressUpdated,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CustomerID:    order.CustomerID,
			CurrentStatus: string(order.Status),
			ActorID:       order.CustomerID,
			OccurredAt:    now,
		})
	}
	return order, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (order Order, err error) {
	defer s.observe(opTransition, time.Now(), &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Target != "" && !cmd.Target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.Target)
	}
	actorID := strings.TrimSpace(cmd.ActorID)

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	target := cmd.Target
	if target == "" {
		next, ok := current.Status.Next()
		if !ok {
			return Order{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, current.ID, current.Status)
		}
		target = next
	}
	if target == domain.OrderStatusCancelled {
		return s.cancel(ctx, current, actorID, cmd.Reason)
	}
	if !current.Status.CanTransitionTo(target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, target)
	}

	now := s.now()
	var previous OrderStatus
	err = s.runInTx(ctx, opTransition, func(txCtx context.Context) error {
		locked, err := s.orders.GetForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if !locked.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, locked.Status, target)
		}
		previous = locked.Status
		updated, err := s.orders.UpdateStatus(txCtx, orderID, target, now)
		if err != nil {
			return mapRepositoryError(err)
		}
		order = updated
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	payload := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		payload["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.CustomerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Payload:        payload,
	})
	return order, nil
}

// generateOrderNumber draws from the counter outside the order's unit of work; a
// rolled back order leaves a gap in the sequence.
func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	var seq int64
	err := s.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		seq, err = s.counters.Next(ctx, orderCounterID, 1)
		return err
	}, func(attempt int, err error) {
		s.metrics.IncTransactionRetry(opGenerateNumber)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, op string, fn func(context.Context) error) error {
	return s.retry.Run(ctx, func(ctx context.Context) error {
		return s.unitOfWork.RunInTx(ctx, fn)
	}, func(attempt int, err error) {
		s.metrics.IncTransactionRetry(op)
		s.logger(ctx, "order.tx.retry", map[string]any{
			"operation": op,
			"attempt":   attempt,
			"error":     err.Error(),
		})
	})
}

func (s *orderService) observe(op string, started time.Time, err *error) {
	outcome := OutcomeSuccess
	if *err != nil {
		outcome = string(ClassifyError(*err))
	}
	s.metrics.ObserveWorkflow(op, outcome, time.Since(started))
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// publishEvent hands the event to the dispatcher; failures are logged and never reach the caller.
func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(context.WithoutCancel(ctx), event); err != nil {
		s.metrics.IncNotificationFailure(event.Type)
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
