package events

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	platformfs "github.com/hanko-field/checkout/internal/platform/firestore"
)

// feedWriter stores one document per notification.
type feedWriter interface {
	Create(ctx context.Context, id string, data map[string]any) error
}

// FirestorePublisher appends notifications to the admin notification feed collection.
type FirestorePublisher struct {
	feed feedWriter
}

// NewFirestorePublisher constructs a publisher writing through the shared provider.
func NewFirestorePublisher(provider *platformfs.Provider) (*FirestorePublisher, error) {
	if provider == nil {
		return nil, errors.New("firestore publisher: provider is required")
	}
	return &FirestorePublisher{feed: providerFeed{provider: provider}}, nil
}

// Publish creates the feed document keyed by notification id. Redelivery of the same id is a no-op.
func (p *FirestorePublisher) Publish(ctx context.Context, notification domain.Notification) error {
	data := map[string]any{
		"eventType":  notification.EventType,
		"title":      notification.Title,
		"message":    notification.Message,
		"link":       notification.Link,
		"occurredAt": notification.OccurredAt.UTC(),
		"read":       false,
	}
	if len(notification.Metadata) > 0 {
		data["metadata"] = notification.Metadata
	}

	err := p.feed.Create(ctx, notification.ID, data)
	var feedErr *platformfs.Error
	if errors.As(err, &feedErr) && feedErr.IsDuplicate() {
		return nil
	}
	return err
}

type providerFeed struct {
	provider *platformfs.Provider
}

func (f providerFeed) Create(ctx context.Context, id string, data map[string]any) error {
	collection, err := f.provider.Collection(ctx)
	if err != nil {
		return err
	}
	var doc *firestore.DocumentRef
	if id == "" {
		doc = collection.NewDoc()
	} else {
		doc = collection.Doc(id)
	}
	_, err = doc.Create(ctx, data)
	return platformfs.WrapError("notifications.create", err)
}
