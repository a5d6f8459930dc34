package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturePublisher struct {
	mu       sync.Mutex
	received []Notification
	err      error
}

func (c *capturePublisher) Publish(_ context.Context, notification Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, notification)
	return nil
}

func (c *capturePublisher) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.received...)
}

func TestNotificationDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	publisher := &capturePublisher{}
	dispatcher, err := NewNotificationDispatcher(NotificationDispatcherDeps{
		Publisher:   publisher,
		Clock:       fixedClock,
		IDGenerator: func() string { return "01TEST" },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- dispatcher.Run(context.Background()) }()

	dispatcher.Broadcast(context.Background(), EventNewOrder, "New order received", "Order ORD-2025-000001", "/admin/orders/ORD-2025-000001")
	dispatcher.Broadcast(context.Background(), EventOrderStatusChanged, "Order status updated", "moved", "/admin/orders/ORD-2025-000001")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-runErr; err != nil && !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("run: %v", err)
	}

	received := publisher.all()
	if len(received) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(received))
	}
	first := received[0]
	if first.ID != "01TEST" || first.EventType != EventNewOrder || !first.OccurredAt.Equal(testNow) {
		t.Fatalf("unexpected notification %+v", first)
	}
}

func TestNotificationDispatcherDropsWhenFull(t *testing.T) {
	publisher := &capturePublisher{}
	logger := &captureLogger{}
	dispatcher, err := NewNotificationDispatcher(NotificationDispatcherDeps{
		Publisher: publisher,
		QueueSize: 1,
		Logger:    logger.log,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		dispatcher.Broadcast(context.Background(), EventNewOrder, "title", "message", "/link")
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(publisher.all()); got != 1 {
		t.Fatalf("expected 1 delivered notification, got %d", got)
	}
	if !logger.has("checkout.notify.dropped") {
		t.Fatalf("expected dropped notifications to be logged")
	}

	dispatcher.Broadcast(context.Background(), EventNewOrder, "late", "message", "/link")
	if got := len(publisher.all()); got != 1 {
		t.Fatalf("expected broadcast after close to be dropped, got %d", got)
	}
}

func TestNotificationDispatcherLogsPublishFailure(t *testing.T) {
	publisher := &capturePublisher{err: errors.New("broker down")}
	logger := &captureLogger{}
	dispatcher, err := NewNotificationDispatcher(NotificationDispatcherDeps{Publisher: publisher, Logger: logger.log})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	dispatcher.Broadcast(context.Background(), EventNewOrder, "title", "message", "/link")
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !logger.has("checkout.notify.failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestNewNotificationDispatcherRequiresPublisher(t *testing.T) {
	if _, err := NewNotificationDispatcher(NotificationDispatcherDeps{}); err == nil {
		t.Fatalf("expected error without publisher")
	}
}
