package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/services"
)

// LogOrderEventPublisher writes events to the log. Used when no broker is configured.
type LogOrderEventPublisher struct {
	logger *zap.Logger
}

var _ services.OrderEventPublisher = (*LogOrderEventPublisher)(nil)

// NewLogOrderEventPublisher constructs a publisher logging through logger.
func NewLogOrderEventPublisher(logger *zap.Logger) *LogOrderEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOrderEventPublisher{logger: logger.Named("order_events")}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *LogOrderEventPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	p.logger.Info("order event",
		zap.String("eventId", event.ID),
		zap.String("type", event.Type),
		zap.String("orderId", event.OrderID),
		zap.String("orderNumber", event.OrderNumber),
		zap.String("customerId", event.CustomerID),
		zap.String("previousStatus", event.PreviousStatus),
		zap.String("currentStatus", event.CurrentStatus),
		zap.String("actorId", event.ActorID),
		zap.Time("occurredAt", event.OccurredAt),
		zap.Any("payload", event.Payload),
	)
	return nil
}
