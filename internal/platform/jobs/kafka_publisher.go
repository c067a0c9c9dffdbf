package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/observability"
	"github.com/storefront/orders-api/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher writes order events to a Kafka topic keyed by order id,
// so every event for an order lands on the same partition.
type KafkaOrderEventPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*KafkaOrderEventPublisher)(nil)

// NewKafkaOrderEventPublisher builds a writer for brokers and topic.
func NewKafkaOrderEventPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaOrderEventPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order publisher: brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kafka")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       observability.NewPrintfAdapter(logger, false),
		ErrorLogger:  observability.NewPrintfAdapter(logger, true),
	}
	return newKafkaOrderEventPublisher(writer), nil
}

func newKafkaOrderEventPublisher(writer messageWriter) *KafkaOrderEventPublisher {
	return &KafkaOrderEventPublisher{writer: writer, marshal: json.Marshal}
}

// PublishOrderEvent writes event synchronously.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order publisher: not initialised")
	}
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := eventAttributes(event)
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]kafka.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(attrs[name])})
	}

	msg := kafka.Message{
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
