package repositories

import (
	"context"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	StockMovements() StockMovementRepository
	Orders() OrderRepository
	Coupons() CouponRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary.
// Repositories invoked with the ctx handed to fn join the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository owns product rows and their stock counters.
type ProductRepository interface {
	// LockedRead loads the given products holding an exclusive row lock until the
	// surrounding transaction ends. Locks are acquired in ascending id order.
	// Missing ids are absent from the result map.
	LockedRead(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	// ApplyMovements adds each movement's delta to its product's stock and appends
	// the movement to the ledger. A write that would leave stock negative fails with
	// an *InventoryError coded InventoryErrorNegativeStock.
	ApplyMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error)
	FindByID(ctx context.Context, id int64) (domain.Product, error)
}

// StockMovementRepository reads the append-only stock ledger.
type StockMovementRepository interface {
	ListByProduct(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error)
	SumByProduct(ctx context.Context, productID int64) (int64, error)
}

// OrderRepository persists order headers and their line items.
type OrderRepository interface {
	ExistsByNumber(ctx context.Context, orderNumber string) (bool, error)
	// Insert stores the header and items, returning the order with generated ids.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	// LockedReadByNumber loads the order header holding a row lock until the transaction ends.
	LockedReadByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	// UpdateStatus applies the update and returns the affected row count. Shipped and
	// delivered timestamps are only written when currently unset.
	UpdateStatus(ctx context.Context, update domain.OrderStatusUpdate) (int64, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
}

// CouponRepository persists coupons and their redemptions.
type CouponRepository interface {
	// LockedRead loads the coupon holding a row lock until the transaction ends.
	LockedRead(ctx context.Context, code string) (domain.Coupon, error)
	// RecordUsage increments used_count and inserts the usage row.
	RecordUsage(ctx context.Context, usage domain.CouponUsage) error
}

// CounterRepository provides atomic sequence generation for named counters.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, maxValue int64) (int64, error)
}

// HealthRepository aggregates dependency checks for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
