package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
)

// Order event types emitted after commit.
const (
	OrderEventCreated         = "order.created"
	OrderEventCancelled       = "order.cancelled"
	OrderEventStatusChanged   = "order.status.changed"
	OrderEventAddressUpdated  = "order.shipping_address.updated"
	defaultDispatchWorkers    = 4
	defaultDispatchQueueSize  = 256
	defaultDispatchAttempts   = 3
	defaultDispatchTimeout    = 10 * time.Second
	defaultDispatchBackoffMin = 100 * time.Millisecond
	defaultDispatchBackoffMax = 5 * time.Second
)

var (
	// ErrDispatcherClosed is returned when events are published after Close.
	ErrDispatcherClosed = errors.New("order events: dispatcher closed")
	// ErrDispatchQueueFull is returned when the bounded queue has no room.
	ErrDispatchQueueFull = errors.New("order events: queue full")
)

// OrderEventPublisher delivers order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent is the notification payload. Consumers must tolerate duplicates.
type OrderEvent struct {
	ID             string         `json:"eventId"`
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	CustomerID     string         `json:"customerId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// AsyncEventDispatcherDeps configures the dispatcher.
type AsyncEventDispatcherDeps struct {
	Publisher   OrderEventPublisher
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	Backoff     gax.Backoff
	Metrics     WorkflowMetrics
	Logger      Logger
}

type dispatchItem struct {
	ctx   context.Context
	event OrderEvent
}

// AsyncEventDispatcher hands events to a bounded worker pool so publishing never
// blocks the request that committed the change.
type AsyncEventDispatcher struct {
	publisher   OrderEventPublisher
	maxAttempts int
	timeout     time.Duration
	backoff     gax.Backoff
	metrics     WorkflowMetrics
	logger      Logger

	mu     sync.RWMutex
	closed bool
	queue  chan dispatchItem
	wg     sync.WaitGroup
}

var _ OrderEventPublisher = (*AsyncEventDispatcher)(nil)

// NewAsyncEventDispatcher starts the worker pool.
func NewAsyncEventDispatcher(deps AsyncEventDispatcherDeps) (*AsyncEventDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("order events: publisher is required")
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDispatchQueueSize
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultDispatchAttempts
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	backoff := deps.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = defaultDispatchBackoffMin
	}
	if backoff.Max <= 0 {
		backoff.Max = defaultDispatchBackoffMax
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	d := &AsyncEventDispatcher{
		publisher:   deps.Publisher,
		maxAttempts: attempts,
		timeout:     timeout,
		backoff:     backoff,
		metrics:     metrics,
		logger:      logger,
		queue:       make(chan dispatchItem, queueSize),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d, nil
}

// PublishOrderEvent enqueues event without waiting for delivery. The request context
// is detached so its cancellation does not abort the send.
func (d *AsyncEventDispatcher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- dispatchItem{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		return ErrDispatchQueueFull
	}
}

// Close stops intake and waits for queued events to drain, or for ctx to end.
func (d *AsyncEventDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AsyncEventDispatcher) work() {
	defer d.wg.Done()
	for item := range d.queue {
		d.deliver(item)
	}
}

func (d *AsyncEventDispatcher) deliver(item dispatchItem) {
	backoff := d.backoff
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(item.ctx, d.timeout)
		err = d.publisher.PublishOrderEvent(ctx, item.event)
		cancel()
		if err == nil {
			return
		}
		if attempt < d.maxAttempts {
			_ = gax.Sleep(item.ctx, backoff.Pause())
		}
	}
	d.metrics.IncNotificationFailure(item.event.Type)
	d.logger(item.ctx, "order.event.dispatch.failed", map[string]any{
		"eventId":  item.event.ID,
		"type":     item.event.Type,
		"order":    item.event.OrderID,
		"attempts": d.maxAttempts,
		"error":    err.Error(),
	})
}
