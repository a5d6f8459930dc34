package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// PubSubPublisher publishes notifications to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher constructs a Pub/Sub backed publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

// Publish sends the envelope and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, notification domain.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	data, err := Encode(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: headerPairs(notification),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Check reports whether the topic exists.
func (p *PubSubPublisher) Check(ctx context.Context) error {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pubsub topic %s not found", p.topic.ID())
	}
	return nil
}
