package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultNotificationQueueSize = 256
	defaultPublishTimeout        = 5 * time.Second
)

// ErrDispatcherClosed is returned by Run when called after Close.
var ErrDispatcherClosed = errors.New("notification dispatcher: closed")

// NotificationDispatcherDeps bundles collaborators required by the dispatcher.
type NotificationDispatcherDeps struct {
	Publisher      NotificationPublisher
	QueueSize      int
	PublishTimeout time.Duration
	Meter          metric.Meter
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// NotificationDispatcher queues notifications in memory and delivers them from a
// single worker, so callers never wait on a broker.
type NotificationDispatcher struct {
	publisher NotificationPublisher
	timeout   time.Duration
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)

	mu      sync.RWMutex
	closed  bool
	queue   chan Notification
	running atomic.Bool
	done    chan struct{}

	dropped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

var _ Notifier = (*NotificationDispatcher)(nil)

// NewNotificationDispatcher constructs a dispatcher. Call Run to start delivery.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (*NotificationDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification dispatcher: publisher is required")
	}
	size := deps.QueueSize
	if size <= 0 {
		size = defaultNotificationQueueSize
	}
	timeout := deps.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := meterOrNoop(deps.Meter)

	return &NotificationDispatcher{
		publisher: deps.Publisher,
		timeout:   timeout,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		logger:    logger,
		queue:     make(chan Notification, size),
		done:      make(chan struct{}),
		dropped:   int64Counter(meter, "notifications.dropped", "Notifications discarded because the queue was full or closed"),
		delivered: int64Counter(meter, "notifications.delivered", "Notifications accepted by the publisher"),
		failed:    int64Counter(meter, "notifications.failed", "Notifications the publisher rejected"),
	}, nil
}

// Broadcast enqueues a notification without blocking. When the queue is full or
// the dispatcher is closed the notification is dropped and logged.
func (d *NotificationDispatcher) Broadcast(ctx context.Context, eventType, title, message, link string) {
	notification := Notification{
		ID:         d.newID(),
		EventType:  strings.TrimSpace(eventType),
		Title:      title,
		Message:    message,
		Link:       link,
		OccurredAt: d.now(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, notification, "closed")
		return
	}
	select {
	case d.queue <- notification:
	default:
		d.drop(ctx, notification, "queue_full")
	}
}

// Run delivers queued notifications until the queue is closed and drained or ctx ends.
func (d *NotificationDispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		d.mu.RLock()
		closed := d.closed
		d.mu.RUnlock()
		if closed {
			return ErrDispatcherClosed
		}
		return errors.New("notification dispatcher: already running")
	}
	defer close(d.done)
	for {
		select {
		case notification, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, notification)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops intake and waits for queued notifications to be delivered.
func (d *NotificationDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	// Without a worker, drain inline.
	if d.running.CompareAndSwap(false, true) {
		defer close(d.done)
		for notification := range d.queue {
			d.deliver(ctx, notification)
		}
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *NotificationDispatcher) deliver(ctx context.Context, notification Notification) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	attrs := metric.WithAttributes(attribute.String("event_type", notification.EventType))
	if err := d.publisher.Publish(publishCtx, notification); err != nil {
		d.failed.Add(ctx, 1, attrs)
		d.logger(ctx, "checkout.notify.failed", map[string]any{
			"notificationId": notification.ID,
			"eventType":      notification.EventType,
			"error":          err.Error(),
		})
		return
	}
	d.delivered.Add(ctx, 1, attrs)
}

func (d *NotificationDispatcher) drop(ctx context.Context, notification Notification, reason string) {
	d.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	d.logger(ctx, "checkout.notify.dropped", map[string]any{
		"notificationId": notification.ID,
		"eventType":      notification.EventType,
		"reason":         reason,
	})
}
