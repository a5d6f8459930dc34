package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a failed write to the notification feed, classified by gRPC status code.
// It also satisfies repositories.RepositoryError.
type Error struct {
	op   string
	err  error
	code codes.Code
}

func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the gRPC status code reported by Firestore.
func (e *Error) Code() codes.Code { return e.code }

// IsDuplicate reports a create against an existing document id. Feed documents are
// keyed by notification id, so this means the notification was already delivered.
func (e *Error) IsDuplicate() bool { return e.code == codes.AlreadyExists }

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool { return e.code == codes.NotFound }

// IsConflict reports a write that lost against concurrent state.
func (e *Error) IsConflict() bool {
	switch e.code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports an outage or quota failure worth tripping the publisher breaker.
func (e *Error) IsUnavailable() bool {
	switch e.code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

// WrapError classifies Firestore failures. Cancellations surface as the context errors
// so callers can tell a shutdown from a backend failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{op: op, err: err, code: code}
}
