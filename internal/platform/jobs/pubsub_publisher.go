// Package jobs delivers order events to message brokers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/orders-api/internal/services"
)

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	// events for one order are delivered in commit order when subscribers enable ordering
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent publishes event and waits for the server acknowledgement.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  eventAttributes(event),
		OrderingKey: event.OrderID,
	})
	if _, err := result.Get(ctx); err != nil {
		// a failed publish pauses the ordering key until resumed
		p.topic.ResumePublish(event.OrderID)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubOrderEventPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func eventAttributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 6)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "customerId", event.CustomerID)
	setAttr(attrs, "status", event.CurrentStatus)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
