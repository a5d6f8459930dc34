package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	// EventNewOrder is broadcast once per committed order.
	EventNewOrder = "new_order"

	hundred = 100
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	UnitOfWork   repositories.UnitOfWork
	Orders       repositories.OrderRepository
	Coupons      repositories.CouponRepository
	Ledger       InventoryLedger
	OrderNumbers OrderNumberGenerator
	Notifier     Notifier
	Policy       CheckoutPolicy
	Meter        metric.Meter
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	coupons  repositories.CouponRepository
	ledger   InventoryLedger
	numbers  OrderNumberGenerator
	notifier Notifier
	policy   CheckoutPolicy
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)

	created  metric.Int64Counter
	rejected metric.Int64Counter
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("checkout service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service: coupon repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout service: inventory ledger is required")
	}
	if deps.OrderNumbers == nil {
		return nil, errors.New("checkout service: order number generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := meterOrNoop(deps.Meter)

	return &checkoutService{
		uow:      deps.UnitOfWork,
		orders:   deps.Orders,
		coupons:  deps.Coupons,
		ledger:   deps.Ledger,
		numbers:  deps.OrderNumbers,
		notifier: deps.Notifier,
		policy:   deps.Policy.normalised(),
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		created:  int64Counter(meter, "checkout.orders.created", "Orders committed by checkout"),
		rejected: int64Counter(meter, "checkout.orders.rejected", "Checkout attempts that did not commit"),
	}, nil
}

// CreateOrder validates the request, then atomically decrements stock, writes the
// order with its items and coupon usage, and finally broadcasts a notification.
func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error) {
	result, err := s.createOrder(ctx, cmd)
	if err != nil {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectionReason(err))))
		if errors.Is(err, ErrPersistence) {
			s.logger(ctx, "checkout.order.failed", map[string]any{"error": err.Error()})
		}
		return OrderResult{}, err
	}
	s.created.Add(ctx, 1)
	s.broadcastNewOrder(ctx, result)
	return result, nil
}

func (s *checkoutService) createOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error) {
	validated, err := s.policy.validateCreateOrder(cmd)
	if err != nil {
		return OrderResult{}, err
	}

	orderNumber, err := s.numbers.Next(ctx)
	if err != nil {
		return OrderResult{}, persistenceError("checkout.order_number", err)
	}

	ctx, span := tracer.Start(ctx, "checkout.create_order", trace.WithAttributes(
		attribute.String("order.number", orderNumber),
		attribute.Int("order.items", len(validated.Items)),
	))
	defer span.End()

	lines := make([]LedgerLine, len(validated.Items))
	for i, item := range validated.Items {
		lines[i] = LedgerLine{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.Price}
	}

	var persisted domain.Order
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		now := s.now()
		applied, err := s.ledger.Apply(txCtx, StockReference{
			Type:    domain.MovementTypeSale,
			RefType: domain.ReferenceTypeOrder,
			RefID:   orderNumber,
			ActorID: validated.Meta.CustomerID,
		}, lines)
		if err != nil {
			return err
		}
		locked := make(map[int64]Product, len(applied))
		for _, res := range applied {
			locked[res.Product.ID] = res.Product
		}

		items := make([]OrderItem, len(validated.Items))
		subtotal := decimal.Zero
		for i, item := range validated.Items {
			product := locked[item.ProductID]
			lineTotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			items[i] = OrderItem{
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    item.Quantity,
				UnitPrice:   product.Price,
				LineTotal:   lineTotal,
			}
			subtotal = subtotal.Add(lineTotal)
		}
		tax := s.policy.Tax(subtotal)
		shipping := s.policy.Shipping(subtotal)

		discount := decimal.Zero
		var coupon *domain.Coupon
		if validated.Coupon != nil {
			redeemed, amount, err := s.redeemableCoupon(txCtx, *validated.Coupon, subtotal, now)
			if err != nil {
				return err
			}
			coupon, discount = &redeemed, amount
		}

		total := subtotal.Add(tax).Add(shipping).Sub(discount)
		if err := s.checkClientTotal(txCtx, orderNumber, validated.TotalAmount, total); err != nil {
			return err
		}

		order := domain.Order{
			OrderNumber:     orderNumber,
			UserID:          validated.Meta.CustomerID,
			Customer:        validated.Customer,
			ShippingAddress: validated.ShippingAddress,
			Subtotal:        subtotal,
			Tax:             tax,
			ShippingCost:    shipping,
			Discount:        discount,
			TotalAmount:     total,
			Status:          domain.OrderStatusPending,
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentMethod:   validated.PaymentMethod,
			Notes:           validated.Notes,
			IPAddress:       validated.Meta.IPAddress,
			UserAgent:       validated.Meta.UserAgent,
			Items:           items,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if coupon != nil {
			order.CouponCode = coupon.Code
		}
		inserted, err := s.orders.Insert(txCtx, order)
		if err != nil {
			return &PersistenceError{Op: "checkout.insert_order", Err: err}
		}

		if coupon != nil {
			if err := s.coupons.RecordUsage(txCtx, domain.CouponUsage{
				CouponID:       coupon.ID,
				CouponCode:     coupon.Code,
				OrderID:        inserted.ID,
				UserID:         validated.Meta.CustomerID,
				DiscountAmount: discount,
				CreatedAt:      now,
			}); err != nil {
				return &PersistenceError{Op: "checkout.record_coupon_usage", Err: err}
			}
		}
		persisted = inserted
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return OrderResult{}, persistenceError("checkout.transaction", err)
	}

	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":     persisted.ID,
		"orderNumber": persisted.OrderNumber,
		"total":       persisted.TotalAmount.StringFixed(2),
		"items":       len(persisted.Items),
	})

	return OrderResult{
		OrderID:       persisted.ID,
		OrderNumber:   persisted.OrderNumber,
		Subtotal:      persisted.Subtotal,
		Tax:           persisted.Tax,
		ShippingCost:  persisted.ShippingCost,
		Discount:      persisted.Discount,
		TotalAmount:   persisted.TotalAmount,
		Status:        persisted.Status,
		PaymentStatus: persisted.PaymentStatus,
		Customer:      persisted.Customer,
		Items:         persisted.Items,
		CreatedAt:     persisted.CreatedAt,
	}, nil
}

// redeemableCoupon locks the coupon row and returns the discount it grants on subtotal.
func (s *checkoutService) redeemableCoupon(ctx context.Context, applied AppliedCoupon, subtotal decimal.Decimal, now time.Time) (domain.Coupon, decimal.Decimal, error) {
	coupon, err := s.coupons.LockedRead(ctx, applied.Code)
	if err != nil {
		if isRepositoryNotFound(err) {
			return domain.Coupon{}, decimal.Zero, &NotFoundError{Resource: "coupon", Key: applied.Code}
		}
		return domain.Coupon{}, decimal.Zero, &PersistenceError{Op: "checkout.lock_coupon", Err: err}
	}

	switch {
	case !coupon.Active:
		return coupon, decimal.Zero, invalid("applied_coupon.code", "Coupon is not active")
	case coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt):
		return coupon, decimal.Zero, invalid("applied_coupon.code", "Coupon has expired")
	case coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit:
		return coupon, decimal.Zero, invalid("applied_coupon.code", "Coupon usage limit reached")
	case subtotal.LessThan(coupon.MinOrderAmount):
		return coupon, decimal.Zero, invalid("applied_coupon.code",
			fmt.Sprintf("Coupon requires a minimum order of %s", coupon.MinOrderAmount.StringFixed(2)))
	}

	discount := couponDiscount(coupon, subtotal)
	if applied.DiscountAmount.Sub(discount).Abs().GreaterThan(s.policy.Tolerance) {
		return coupon, decimal.Zero, invalid("applied_coupon.discount_amount",
			fmt.Sprintf("Discount mismatch: expected %s, got %s", discount.StringFixed(2), applied.DiscountAmount.StringFixed(2)))
	}
	return coupon, discount, nil
}

func (s *checkoutService) checkClientTotal(ctx context.Context, orderNumber string, supplied, computed decimal.Decimal) error {
	if supplied.Sub(computed).Abs().LessThanOrEqual(s.policy.Tolerance) {
		return nil
	}
	if s.policy.TotalPolicy == TotalPolicyLog {
		s.logger(ctx, "checkout.total.mismatch", map[string]any{
			"orderNumber": orderNumber,
			"supplied":    supplied.StringFixed(2),
			"computed":    computed.StringFixed(2),
		})
		return nil
	}
	return invalid("total_amount", fmt.Sprintf("Total amount mismatch: expected %s, got %s",
		computed.StringFixed(2), supplied.StringFixed(2)))
}

func (s *checkoutService) broadcastNewOrder(ctx context.Context, result OrderResult) {
	if s.notifier == nil {
		return
	}
	message := fmt.Sprintf("Order %s from %s totalling %s", result.OrderNumber,
		strings.TrimSpace(result.Customer.Name), result.TotalAmount.StringFixed(2))
	s.notifier.Broadcast(context.WithoutCancel(ctx), EventNewOrder, "New order received", message,
		"/admin/orders/"+result.OrderNumber)
}

func couponDiscount(coupon domain.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.DiscountType {
	case domain.DiscountTypePercent:
		discount = subtotal.Mul(coupon.DiscountValue).Div(decimal.NewFromInt(hundred)).Round(2)
	default:
		discount = coupon.DiscountValue
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		return subtotal
	}
	return discount
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPriceMismatch):
		return "price_mismatch"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "persistence"
	}
}
