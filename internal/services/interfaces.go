package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order         = domain.Order
	OrderItem     = domain.OrderItem
	OrderStatus   = domain.OrderStatus
	Product       = domain.Product
	StockMovement = domain.StockMovement
	CustomerInfo  = domain.CustomerInfo
	RequestMeta   = domain.RequestMeta
	Notification  = domain.Notification
)

// InventoryLedger owns every write to product stock.
type InventoryLedger interface {
	Apply(ctx context.Context, ref StockReference, lines []LedgerLine) ([]LedgerResult, error)
	Adjust(ctx context.Context, cmd StockAdjustmentCommand) (StockMovement, error)
	Reconcile(ctx context.Context, productID int64) (StockReconciliation, error)
	Movements(ctx context.Context, productID int64, limit int) ([]StockMovement, error)
}

// OrderNumberGenerator issues human-readable order numbers.
type OrderNumberGenerator interface {
	Next(ctx context.Context) (string, error)
}

// CheckoutService turns a validated cart into a persisted order.
type CheckoutService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error)
}

// OrderStatusService guards fulfillment status changes.
type OrderStatusService interface {
	Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error)
	GetOrder(ctx context.Context, orderNumber string) (Order, error)
}

// Notifier accepts best-effort staff notifications. Broadcast never blocks on delivery.
type Notifier interface {
	Broadcast(ctx context.Context, eventType, title, message, link string)
}

// NotificationPublisher delivers a notification to one outbound channel.
type NotificationPublisher interface {
	Publish(ctx context.Context, notification Notification) error
}

// StockReference tags the movements written by a ledger call.
type StockReference struct {
	Type    domain.MovementType
	RefType string
	RefID   string
	ActorID string
	Notes   string
}

type LedgerLine struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// LedgerResult reports the locked product state after a line was applied.
type LedgerResult struct {
	Product  Product
	Quantity int
	Movement StockMovement
}

type StockAdjustmentCommand struct {
	ProductID int64
	Delta     int
	Type      domain.MovementType
	Notes     string
	// Reference names the source document (delivery note, RMA); optional.
	Reference string
	ActorID   string
}

type StockReconciliation struct {
	ProductID     int64
	Name          string
	InitialStock  int
	MovementTotal int64
	StockQuantity int
	Consistent    bool
}

type CartItem struct {
	ProductID int64
	Name      string
	Quantity  int
	Price     decimal.Decimal
}

type AppliedCoupon struct {
	Code           string
	DiscountAmount decimal.Decimal
}

type CreateOrderCommand struct {
	Customer        CustomerInfo
	Items           []CartItem
	TotalAmount     decimal.Decimal
	PaymentMethod   string
	ShippingAddress string
	Coupon          *AppliedCoupon
	Notes           string
	Meta            RequestMeta
}

type OrderResult struct {
	OrderID       int64
	OrderNumber   string
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	ShippingCost  decimal.Decimal
	Discount      decimal.Decimal
	TotalAmount   decimal.Decimal
	Status        OrderStatus
	PaymentStatus domain.PaymentStatus
	Customer      CustomerInfo
	Items         []OrderItem
	CreatedAt     time.Time
}

type TransitionCommand struct {
	OrderNumber     string
	Target          OrderStatus
	ShippingAddress *string
	TrackingNumber  *string
	Carrier         *string
	ActorID         string
}

type TransitionResult struct {
	Updated     int64
	OrderNumber string
	From        OrderStatus
	To          OrderStatus
}
