package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txContextKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*UnitOfWork)

// WithLockTimeout bounds how long statements wait on row locks inside a transaction.
func WithLockTimeout(timeout time.Duration) TxOption {
	return func(u *UnitOfWork) {
		if timeout > 0 {
			u.lockTimeout = timeout
		}
	}
}

// WithIsolation overrides the transaction isolation level.
func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(u *UnitOfWork) {
		u.isolation = level
	}
}

// UnitOfWork runs callbacks inside a database transaction carried on the context.
type UnitOfWork struct {
	db          *sql.DB
	lockTimeout time.Duration
	isolation   sql.IsolationLevel
}

// NewUnitOfWork constructs a UnitOfWork over the supplied database handle.
func NewUnitOfWork(db *sql.DB, opts ...TxOption) *UnitOfWork {
	u := &UnitOfWork{db: db, isolation: sql.LevelReadCommitted}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// RunInTx executes fn within a transaction. A ctx that already carries a
// transaction joins it instead of opening a new one. Any error or panic from
// fn rolls the transaction back.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if u == nil || u.db == nil {
		return WrapError("postgres.begin", errors.New("database not initialised"))
	}
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := u.db.BeginTx(ctx, &sql.TxOptions{Isolation: u.isolation})
	if err != nil {
		return WrapError("postgres.begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = WrapError("postgres.rollback", rbErr)
		}
	}()

	if u.lockTimeout > 0 {
		// SET LOCAL does not accept bind parameters; the value is an integer we format.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", u.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return WrapError("postgres.lock_timeout", err)
		}
	}

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return WrapError("postgres.commit", err)
	}
	committed = true
	return nil
}

// Conn returns the transaction bound to ctx, falling back to the pool.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}
