package events

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultBreakerFailures    = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// ErrBreakerOpen is returned while the backend is short-circuited.
var ErrBreakerOpen = gobreaker.ErrOpenState

// BreakerSettings tunes when a backend is short-circuited.
type BreakerSettings struct {
	Failures      int
	OpenTimeout   time.Duration
	OnStateChange func(name string, from, to string)
}

// Breaker short-circuits a failing backend so a broker outage does not stall the dispatcher
// for a full publish timeout per notification.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next with a circuit breaker named name.
func NewBreaker(name string, next Publisher, settings BreakerSettings) *Breaker {
	failures := settings.Failures
	if failures <= 0 {
		failures = defaultBreakerFailures
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerOpenTimeout
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
	}
	if settings.OnStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			settings.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](st)}
}

// Publish forwards to the wrapped backend unless the breaker is open.
func (b *Breaker) Publish(ctx context.Context, notification domain.Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, notification)
	})
	return err
}

// State reports the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
