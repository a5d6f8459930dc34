package events

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Named pairs a publisher with the backend name used in errors and health checks.
type Named struct {
	Name      string
	Publisher Publisher
}

// Fanout delivers each notification to every backend. One backend failing does not stop the others.
type Fanout struct {
	targets []Named
}

// NewFanout constructs a Fanout over the given backends.
func NewFanout(targets ...Named) *Fanout {
	out := make([]Named, 0, len(targets))
	for _, target := range targets {
		if target.Publisher != nil {
			out = append(out, target)
		}
	}
	return &Fanout{targets: out}
}

// Publish returns the joined errors of all failing backends.
func (f *Fanout) Publish(ctx context.Context, notification domain.Notification) error {
	var errs []error
	for _, target := range f.targets {
		if err := target.Publisher.Publish(ctx, notification); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
		}
	}
	return errors.Join(errs...)
}
