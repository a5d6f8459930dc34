package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications to a Kafka topic keyed by order link.
type KafkaPublisher struct {
	writer  messageWriter
	brokers []string
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

// KafkaOption customises KafkaPublisher construction.
type KafkaOption func(*KafkaPublisher)

// WithKafkaWriter replaces the underlying writer, primarily for tests.
func WithKafkaWriter(writer messageWriter) KafkaOption {
	return func(p *KafkaPublisher) {
		if writer != nil {
			p.writer = writer
		}
	}
}

// NewKafkaPublisher constructs a publisher for cfg.Topic on cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, errorLogger kafka.Logger, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
			ErrorLogger:            errorLogger,
		},
		brokers: append([]string(nil), cfg.Brokers...),
		dial:    kafka.DialContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Publish writes one message with event_type and id headers.
func (p *KafkaPublisher) Publish(ctx context.Context, notification domain.Notification) error {
	data, err := Encode(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pairs := headerPairs(notification)
	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, key := range keys {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(pairs[key])})
	}

	msg := kafka.Message{
		Key:     []byte(partitionKey(notification)),
		Value:   data,
		Headers: headers,
		Time:    notification.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Check dials the first reachable broker.
func (p *KafkaPublisher) Check(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka brokers unreachable: %w", lastErr)
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
