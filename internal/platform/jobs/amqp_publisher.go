package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/storefront/orders-api/internal/services"
)

const defaultAMQPRoutingPrefix = "orders"

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPOrderEventPublisher publishes persistent JSON messages to a topic exchange.
// The routing key is "<prefix>.<event type>", e.g. orders.order.cancelled.
type AMQPOrderEventPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	prefix   string
	marshal  func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*AMQPOrderEventPublisher)(nil)

// DialAMQPOrderEventPublisher connects to url and declares the exchange.
func DialAMQPOrderEventPublisher(url, exchange, routingPrefix string) (*AMQPOrderEventPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp order publisher: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp order publisher: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp order publisher: open channel: %w", err)
	}
	p, err := newAMQPOrderEventPublisher(ch, exchange, routingPrefix)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPOrderEventPublisher(ch amqpChannel, exchange, routingPrefix string) (*AMQPOrderEventPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("amqp order publisher: exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp order publisher: declare exchange: %w", err)
	}
	if routingPrefix = strings.Trim(strings.TrimSpace(routingPrefix), "."); routingPrefix == "" {
		routingPrefix = defaultAMQPRoutingPrefix
	}
	return &AMQPOrderEventPublisher{
		channel:  ch,
		exchange: exchange,
		prefix:   routingPrefix,
		marshal:  json.Marshal,
	}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *AMQPOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.channel == nil {
		return errors.New("amqp order publisher: not initialised")
	}
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	headers := amqp.Table{}
	for k, v := range eventAttributes(event) {
		headers[k] = v
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Headers:      headers,
		Body:         data,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, p.prefix+"."+event.Type, false, false, msg); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close closes the channel and, when dialled by this package, the connection.
func (p *AMQPOrderEventPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
