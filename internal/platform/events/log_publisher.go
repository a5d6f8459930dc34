package events

import (
	"context"

	"go.uber.org/zap"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// LogPublisher writes notifications to the structured log. It is the default backend.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the notification at info level.
func (p *LogPublisher) Publish(_ context.Context, notification domain.Notification) error {
	p.logger.Info("notification",
		zap.String("id", notification.ID),
		zap.String("event_type", notification.EventType),
		zap.String("title", notification.Title),
		zap.String("message", notification.Message),
		zap.String("link", notification.Link),
		zap.Time("occurred_at", notification.OccurredAt),
	)
	return nil
}
