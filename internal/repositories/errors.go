package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for stock writes.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorNegativeStock indicates a write would push stock below zero.
	InventoryErrorNegativeStock InventoryErrorCode = "inventory_negative_stock"
	// InventoryErrorProductNotFound indicates the product row does not exist.
	InventoryErrorProductNotFound InventoryErrorCode = "inventory_product_not_found"
)

// InventoryError wraps stock-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID int64
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error for the given product.
func NewInventoryError(code InventoryErrorCode, productID int64, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		ProductID: productID,
		Message:   message,
		Err:       err,
	}
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the counter reached its configured max value.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message}
}
