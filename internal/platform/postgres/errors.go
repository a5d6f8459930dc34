package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op          string
	err         error
	code        string
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint or lock conflict.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// Code returns the SQLSTATE associated with the failure, if any.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return e.code
}

// IsCheckViolation reports whether a CHECK constraint rejected the write.
func (e *Error) IsCheckViolation() bool {
	return e != nil && e.code == codeCheckViolation
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}
	if errors.Is(err, sql.ErrNoRows) {
		e.notFound = true
		return e
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		e.code = string(pqErr.Code)
		switch e.code {
		case codeUniqueViolation, codeCheckViolation, codeForeignKeyViolation,
			codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			e.conflict = true
		case codeQueryCanceled, codeAdminShutdown, codeCannotConnectNow:
			e.unavailable = true
		}
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		e.unavailable = true
	}
	return e
}

// WrapError annotates Postgres errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return newError(op, err)
}
