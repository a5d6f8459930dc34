package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates fulfillment states an order can occupy.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// Valid reports whether the status is one of the known fulfillment states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// PaymentStatus tracks settlement of an order independently of fulfillment.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// MovementType classifies stock ledger rows.
type MovementType string

const (
	MovementTypeSale       MovementType = "sale"
	MovementTypeRestock    MovementType = "restock"
	MovementTypeAdjustment MovementType = "adjustment"
	MovementTypeReturn     MovementType = "return"
)

// Valid reports whether the movement type is recognised.
func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeSale, MovementTypeRestock, MovementTypeAdjustment, MovementTypeReturn:
		return true
	}
	return false
}

// ReferenceTypeOrder tags stock movements caused by checkout.
const ReferenceTypeOrder = "order"

// ReferenceTypeManual tags stock movements recorded by staff.
const ReferenceTypeManual = "manual"

// Product is the authoritative catalogue row used for locking and pricing.
type Product struct {
	ID            int64
	Name          string
	Price         decimal.Decimal
	StockQuantity int
	InitialStock  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CustomerInfo is the customer snapshot captured at order time.
type CustomerInfo struct {
	Name  string
	Email string
	Phone string
}

// RequestMeta carries request-scoped caller details into service calls.
type RequestMeta struct {
	CustomerID string
	IPAddress  string
	UserAgent  string
}

// Order is the persisted order header.
type Order struct {
	ID              int64
	OrderNumber     string
	UserID          string
	Customer        CustomerInfo
	ShippingAddress string
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	ShippingCost    decimal.Decimal
	Discount        decimal.Decimal
	TotalAmount     decimal.Decimal
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   string
	TrackingNumber  string
	Carrier         string
	Notes           string
	CouponCode      string
	IPAddress       string
	UserAgent       string
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
}

// OrderItem snapshots a product line at checkout time.
type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// OrderStatusUpdate describes a single status write. Nil pointers leave columns untouched.
type OrderStatusUpdate struct {
	OrderID         int64
	Status          OrderStatus
	ShippingAddress *string
	TrackingNumber  *string
	Carrier         *string
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	UpdatedAt       time.Time
}

// StockMovement is an append-only ledger row.
type StockMovement struct {
	ID            int64
	ProductID     int64
	QuantityDelta int
	Type          MovementType
	ReferenceType string
	ReferenceID   string
	Notes         string
	CreatedBy     string
	CreatedAt     time.Time
}

// DiscountType selects how a coupon value is applied.
type DiscountType string

const (
	DiscountTypePercent DiscountType = "percent"
	DiscountTypeFixed   DiscountType = "fixed"
)

// Coupon is a redeemable discount definition.
type Coupon struct {
	ID             int64
	Code           string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MinOrderAmount decimal.Decimal
	UsageLimit     *int
	UsedCount      int
	Active         bool
	ExpiresAt      *time.Time
}

// CouponUsage links a redeemed coupon to the order it discounted.
type CouponUsage struct {
	ID             int64
	CouponID       int64
	CouponCode     string
	OrderID        int64
	UserID         string
	DiscountAmount decimal.Decimal
	CreatedAt      time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}

// Notification is an outbound staff-facing event emitted after a committed change.
type Notification struct {
	ID         string
	EventType  string
	Title      string
	Message    string
	Link       string
	OccurredAt time.Time
	Metadata   map[string]string
}
