package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("checkout: validation failed")
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("checkout: not found")
	// ErrPriceMismatch matches every *PriceMismatchError.
	ErrPriceMismatch = errors.New("checkout: price mismatch")
	// ErrInsufficientStock matches every *InsufficientStockError.
	ErrInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrTransition matches every *TransitionError.
	ErrTransition = errors.New("checkout: invalid status transition")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("checkout: persistence failure")
)

// ValidationError reports the first invalid input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing product, order, or coupon.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PriceMismatchError reports a client price that drifted from the locked product price.
type PriceMismatchError struct {
	ProductID int64
	Name      string
	Expected  decimal.Decimal
	Supplied  decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("Price mismatch for %s: expected %s, got %s",
		e.Name, e.Expected.StringFixed(2), e.Supplied.StringFixed(2))
}

func (e *PriceMismatchError) Is(target error) bool { return target == ErrPriceMismatch }

// InsufficientStockError reports a line requesting more units than are available.
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s. Available: %d, requested: %d",
		e.Name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransitionError reports a status change outside the allowed graph.
type TransitionError struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Cannot transition order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrTransition }

// PersistenceError wraps unexpected storage failures. Its message is never shown to clients.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// isTaxonomy reports whether err already belongs to the checkout error taxonomy.
func isTaxonomy(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPriceMismatch) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrTransition) ||
		errors.Is(err, ErrPersistence)
}

// persistenceError passes taxonomy errors through and wraps everything else.
func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
