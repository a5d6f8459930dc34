package postgres

import (
	"context"
	"database/sql"
	"errors"

	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Store groups the Postgres repositories sharing one connection pool.
type Store struct {
	db  *sql.DB
	uow *pg.UnitOfWork

	products  *ProductRepository
	movements *StockMovementRepository
	orders    *OrderRepository
	coupons   *CouponRepository
	counters  *CounterRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires repositories over db. Transactions opened through the store
// are visible to every repository it hands out.
func NewStore(db *sql.DB, opts ...pg.TxOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: database is required")
	}
	return &Store{
		db:        db,
		uow:       pg.NewUnitOfWork(db, opts...),
		products:  &ProductRepository{db: db},
		movements: &StockMovementRepository{db: db},
		orders:    &OrderRepository{db: db},
		coupons:   &CouponRepository{db: db},
		counters:  &CounterRepository{db: db},
	}, nil
}

func (s *Store) Products() repositories.ProductRepository             { return s.products }
func (s *Store) StockMovements() repositories.StockMovementRepository { return s.movements }
func (s *Store) Orders() repositories.OrderRepository                 { return s.orders }
func (s *Store) Coupons() repositories.CouponRepository               { return s.coupons }
func (s *Store) Counters() repositories.CounterRepository             { return s.counters }

// RunInTx implements repositories.UnitOfWork.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.uow.RunInTx(ctx, fn)
}

// Close releases the connection pool.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
