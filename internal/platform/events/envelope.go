// Package events delivers staff notifications to the configured outbound channels.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Publisher delivers a single notification. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, notification domain.Notification) error
}

type envelope struct {
	ID         string            `json:"id"`
	EventType  string            `json:"event_type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Link       string            `json:"link,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Encode renders the wire envelope shared by every broker backend.
func Encode(notification domain.Notification) ([]byte, error) {
	return json.Marshal(envelope{
		ID:         notification.ID,
		EventType:  notification.EventType,
		Title:      notification.Title,
		Message:    notification.Message,
		Link:       notification.Link,
		OccurredAt: notification.OccurredAt.UTC(),
		Metadata:   notification.Metadata,
	})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (domain.Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		ID:         env.ID,
		EventType:  env.EventType,
		Title:      env.Title,
		Message:    env.Message,
		Link:       env.Link,
		OccurredAt: env.OccurredAt,
		Metadata:   env.Metadata,
	}, nil
}

// headerPairs returns the transport headers carried alongside the payload.
func headerPairs(notification domain.Notification) map[string]string {
	attrs := make(map[string]string, 2)
	if v := strings.TrimSpace(notification.EventType); v != "" {
		attrs["eventType"] = v
	}
	if v := strings.TrimSpace(notification.ID); v != "" {
		attrs["id"] = v
	}
	return attrs
}

// partitionKey keeps notifications about one order on one partition or routing path.
func partitionKey(notification domain.Notification) string {
	if link := strings.TrimSpace(notification.Link); link != "" {
		return link
	}
	return notification.ID
}
