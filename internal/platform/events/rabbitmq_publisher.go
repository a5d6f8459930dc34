package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
)

const routingKeyPrefix = "notifications."

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes notifications to a durable topic exchange.
type RabbitMQPublisher struct {
	exchange   string
	routingKey string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

// NewRabbitMQPublisher dials cfg.URL, opens a channel and declares the exchange.
func NewRabbitMQPublisher(cfg config.RabbitMQConfig) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq publisher: url is required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errors.New("rabbitmq publisher: exchange is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	p := newRabbitMQPublisher(channel, cfg.Exchange, cfg.RoutingKey)
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(channel amqpChannel, exchange, routingKey string) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		exchange:   exchange,
		routingKey: strings.TrimSpace(routingKey),
		channel:    channel,
	}
}

// Publish sends a persistent JSON message. Routing key defaults to notifications.<event_type>.
func (p *RabbitMQPublisher) Publish(ctx context.Context, notification domain.Notification) error {
	data, err := Encode(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	headers := amqp.Table{}
	for key, value := range headerPairs(notification) {
		headers[key] = value
	}

	key := p.routingKey
	if key == "" {
		key = routingKeyPrefix + notification.EventType
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notification.ID,
		Timestamp:    notification.OccurredAt,
		Type:         notification.EventType,
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Check reports whether the broker connection is still open.
func (p *RabbitMQPublisher) Check(context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
