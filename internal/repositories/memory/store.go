// Package memory provides an in-process implementation of the checkout
// repositories. Transactions are serialised by a single store mutex and run
// against a private copy of the state that replaces the committed state only
// when the callback succeeds, mirroring row-lock plus rollback semantics.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

type state struct {
	products     map[int64]domain.Product
	movements    []domain.StockMovement
	orders       map[int64]domain.Order
	orderNumbers map[string]int64
	coupons      map[string]domain.Coupon
	usages       []domain.CouponUsage
	counters     map[string]int64

	nextMovementID int64
	nextOrderID    int64
	nextItemID     int64
	nextUsageID    int64
}

func newState() *state {
	return &state{
		products:     make(map[int64]domain.Product),
		orders:       make(map[int64]domain.Order),
		orderNumbers: make(map[string]int64),
		coupons:      make(map[string]domain.Coupon),
		counters:     make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := *s
	out.products = make(map[int64]domain.Product, len(s.products))
	for k, v := range s.products {
		out.products[k] = v
	}
	out.movements = append([]domain.StockMovement(nil), s.movements...)
	out.orders = make(map[int64]domain.Order, len(s.orders))
	for k, v := range s.orders {
		out.orders[k] = v
	}
	out.orderNumbers = make(map[string]int64, len(s.orderNumbers))
	for k, v := range s.orderNumbers {
		out.orderNumbers[k] = v
	}
	out.coupons = make(map[string]domain.Coupon, len(s.coupons))
	for k, v := range s.coupons {
		out.coupons[k] = v
	}
	out.usages = append([]domain.CouponUsage(nil), s.usages...)
	out.counters = make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return &out
}

type txContextKey struct{}

type tx struct {
	store *Store
	state *state
}

// Store is the in-memory repository registry.
type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[string]error
	clock  func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		state:  newState(),
		faults: make(map[string]error),
		clock:  time.Now,
	}
}

func (s *Store) Products() repositories.ProductRepository             { return productRepo{s} }
func (s *Store) StockMovements() repositories.StockMovementRepository { return movementRepo{s} }
func (s *Store) Orders() repositories.OrderRepository                 { return orderRepo{s} }
func (s *Store) Coupons() repositories.CouponRepository               { return couponRepo{s} }
func (s *Store) Counters() repositories.CounterRepository             { return counterRepo{s} }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// RunInTx runs fn against a private copy of the state and publishes it on success.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if current, ok := ctx.Value(txContextKey{}).(*tx); ok && current.store == s {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := &tx{store: s, state: s.state.clone()}
	if err := fn(context.WithValue(ctx, txContextKey{}, working)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working.state
	return nil
}

// InjectFault makes the named operation fail with err until cleared with a nil err.
// Operation names match the repository method, e.g. "coupons.record_usage".
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// SeedProduct inserts or replaces a product. InitialStock defaults to the stock quantity.
func (s *Store) SeedProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.InitialStock == 0 {
		product.InitialStock = product.StockQuantity
	}
	now := s.clock().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.state.products[product.ID] = product
}

// SeedCoupon inserts or replaces a coupon keyed by code.
func (s *Store) SeedCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.coupons[couponKey(coupon.Code)] = coupon
}

// Snapshot exposes committed rows for assertions.
type Snapshot struct {
	Products  map[int64]domain.Product
	Movements []domain.StockMovement
	Orders    []domain.Order
	Coupons   map[string]domain.Coupon
	Usages    []domain.CouponUsage
}

// Snapshot returns a copy of the committed state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.clone()
	orders := make([]domain.Order, 0, len(st.orders))
	for _, order := range st.orders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return Snapshot{
		Products:  st.products,
		Movements: st.movements,
		Orders:    orders,
		Coupons:   st.coupons,
		Usages:    st.usages,
	}
}

// view runs fn against the transaction state in ctx, or the committed state under the store lock.
func (s *Store) view(ctx context.Context, op string, fn func(st *state) error) error {
	if current, ok := ctx.Value(txContextKey{}).(*tx); ok && current.store == s {
		if err := s.faults[op]; err != nil {
			return err
		}
		return fn(current.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults[op]; err != nil {
		return err
	}
	return fn(s.state)
}

// lockedView is view for LockedRead operations, which require a transaction.
func (s *Store) lockedView(ctx context.Context, op string, fn func(st *state) error) error {
	current, ok := ctx.Value(txContextKey{}).(*tx)
	if !ok || current.store != s {
		return fmt.Errorf("%s: locked read requires a transaction", op)
	}
	if err := s.faults[op]; err != nil {
		return err
	}
	return fn(current.state)
}

type productRepo struct{ s *Store }

func (r productRepo) LockedRead(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	err := r.s.lockedView(ctx, "products.locked_read", func(st *state) error {
		for _, id := range ids {
			if product, ok := st.products[id]; ok {
				out[id] = product
			}
		}
		return nil
	})
	return out, err
}

func (r productRepo) ApplyMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := r.s.view(ctx, "products.apply_movements", func(st *state) error {
		pending := make(map[int64]int, len(movements))
		for _, movement := range movements {
			product, ok := st.products[movement.ProductID]
			if !ok {
				return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, movement.ProductID,
					fmt.Sprintf("product %d not found", movement.ProductID), nil)
			}
			next, seen := pending[movement.ProductID]
			if !seen {
				next = product.StockQuantity
			}
			next += movement.QuantityDelta
			if next < 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorNegativeStock, movement.ProductID,
					fmt.Sprintf("product %d stock would become negative", movement.ProductID), nil)
			}
			pending[movement.ProductID] = next
		}

		now := r.s.clock().UTC()
		out = make([]domain.StockMovement, 0, len(movements))
		for _, movement := range movements {
			product := st.products[movement.ProductID]
			product.StockQuantity += movement.QuantityDelta
			product.UpdatedAt = now
			st.products[movement.ProductID] = product

			st.nextMovementID++
			movement.ID = st.nextMovementID
			st.movements = append(st.movements, movement)
			out = append(out, movement)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r productRepo) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := r.s.view(ctx, "products.find", func(st *state) error {
		found, ok := st.products[id]
		if !ok {
			return notFound("products.find", "product %d not found", id)
		}
		product = found
		return nil
	})
	return product, err
}

type movementRepo struct{ s *Store }

func (r movementRepo) ListByProduct(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := r.s.view(ctx, "stock_movements.list", func(st *state) error {
		for i := len(st.movements) - 1; i >= 0; i-- {
			if st.movements[i].ProductID != productID {
				continue
			}
			out = append(out, st.movements[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r movementRepo) SumByProduct(ctx context.Context, productID int64) (int64, error) {
	var sum int64
	err := r.s.view(ctx, "stock_movements.sum", func(st *state) error {
		for _, movement := range st.movements {
			if movement.ProductID == productID {
				sum += int64(movement.QuantityDelta)
			}
		}
		return nil
	})
	return sum, err
}

type orderRepo struct{ s *Store }

func (r orderRepo) ExistsByNumber(ctx context.Context, orderNumber string) (bool, error) {
	var exists bool
	err := r.s.view(ctx, "orders.exists", func(st *state) error {
		_, exists = st.orderNumbers[orderNumber]
		return nil
	})
	return exists, err
}

func (r orderRepo) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := r.s.view(ctx, "orders.insert", func(st *state) error {
		if _, dup := st.orderNumbers[order.OrderNumber]; dup {
			return conflict("orders.insert", "order number %s already exists", order.OrderNumber)
		}
		st.nextOrderID++
		order.ID = st.nextOrderID
		order.UpdatedAt = order.CreatedAt
		items := make([]domain.OrderItem, 0, len(order.Items))
		for _, item := range order.Items {
			if item.Quantity <= 0 {
				return conflict("order_items.insert", "quantity must be positive")
			}
			st.nextItemID++
			item.ID = st.nextItemID
			item.OrderID = order.ID
			items = append(items, item)
		}
		order.Items = items
		st.orders[order.ID] = order
		st.orderNumbers[order.OrderNumber] = order.ID
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r orderRepo) LockedReadByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	var order domain.Order
	err := r.s.lockedView(ctx, "orders.locked_read", func(st *state) error {
		id, ok := st.orderNumbers[orderNumber]
		if !ok {
			return notFound("orders.locked_read", "order %s not found", orderNumber)
		}
		order = st.orders[id]
		order.Items = nil
		return nil
	})
	return order, err
}

func (r orderRepo) UpdateStatus(ctx context.Context, update domain.OrderStatusUpdate) (int64, error) {
	var affected int64
	err := r.s.view(ctx, "orders.update_status", func(st *state) error {
		order, ok := st.orders[update.OrderID]
		if !ok {
			return nil
		}
		order.Status = update.Status
		if update.ShippingAddress != nil {
			order.ShippingAddress = *update.ShippingAddress
		}
		if update.TrackingNumber != nil {
			order.TrackingNumber = *update.TrackingNumber
		}
		if update.Carrier != nil {
			order.Carrier = *update.Carrier
		}
		if order.ShippedAt == nil && update.ShippedAt != nil {
			shipped := *update.ShippedAt
			order.ShippedAt = &shipped
		}
		if order.DeliveredAt == nil && update.DeliveredAt != nil {
			delivered := *update.DeliveredAt
			order.DeliveredAt = &delivered
		}
		order.UpdatedAt = update.UpdatedAt
		st.orders[order.ID] = order
		affected = 1
		return nil
	})
	return affected, err
}

func (r orderRepo) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	var order domain.Order
	err := r.s.view(ctx, "orders.find", func(st *state) error {
		id, ok := st.orderNumbers[orderNumber]
		if !ok {
			return notFound("orders.find", "order %s not found", orderNumber)
		}
		order = st.orders[id]
		order.Items = append([]domain.OrderItem(nil), order.Items...)
		return nil
	})
	return order, err
}

type couponRepo struct{ s *Store }

// couponKey folds codes the way the coupons_code_upper index does.
func couponKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r couponRepo) LockedRead(ctx context.Context, code string) (domain.Coupon, error) {
	var coupon domain.Coupon
	err := r.s.lockedView(ctx, "coupons.locked_read", func(st *state) error {
		found, ok := st.coupons[couponKey(code)]
		if !ok {
			return notFound("coupons.locked_read", "coupon %s not found", code)
		}
		coupon = found
		return nil
	})
	return coupon, err
}

func (r couponRepo) RecordUsage(ctx context.Context, usage domain.CouponUsage) error {
	return r.s.view(ctx, "coupons.record_usage", func(st *state) error {
		coupon, ok := st.coupons[couponKey(usage.CouponCode)]
		if !ok || coupon.ID != usage.CouponID {
			return notFound("coupons.record_usage", "coupon %s not found", usage.CouponCode)
		}
		coupon.UsedCount++
		st.coupons[couponKey(coupon.Code)] = coupon
		st.nextUsageID++
		usage.ID = st.nextUsageID
		st.usages = append(st.usages, usage)
		return nil
	})
}

type counterRepo struct{ s *Store }

func (r counterRepo) Next(ctx context.Context, counterID string, maxValue int64) (int64, error) {
	if counterID == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	var value int64
	err := r.s.view(ctx, "counters.next", func(st *state) error {
		current := st.counters[counterID]
		if maxValue > 0 && current >= maxValue {
			return repositories.NewCounterError(repositories.CounterErrorExhausted,
				fmt.Sprintf("counter %s reached %d", counterID, maxValue))
		}
		current++
		st.counters[counterID] = current
		value = current
		return nil
	})
	return value, err
}
