package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

// EventLogger records structured events, matching the services logger signature.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

type customerInfoPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type cartItemRequest struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type appliedCouponRequest struct {
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type createOrderRequest struct {
	CustomerInfo    customerInfoPayload   `json:"customer_info"`
	CartItems       []cartItemRequest     `json:"cart_items"`
	TotalAmount     decimal.Decimal       `json:"total_amount"`
	PaymentMethod   string                `json:"payment_method"`
	ShippingAddress string                `json:"shipping_address"`
	AppliedCoupon   *appliedCouponRequest `json:"applied_coupon"`
	Notes           string                `json:"notes"`
}

type orderItemPayload struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Price     money  `json:"price"`
	Quantity  int    `json:"quantity"`
	LineTotal money  `json:"line_total"`
}

type createOrderData struct {
	OrderID       int64               `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	Subtotal      money               `json:"subtotal"`
	Tax           money               `json:"tax"`
	ShippingCost  money               `json:"shipping_cost"`
	Discount      money               `json:"discount"`
	TotalAmount   money               `json:"total_amount"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"payment_status"`
	CustomerInfo  customerInfoPayload `json:"customer_info"`
	CartItems     []orderItemPayload  `json:"cart_items"`
	CreatedAt     string              `json:"created_at"`
}

type createOrderResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    createOrderData `json:"data"`
}

// OrderHandlers exposes the customer checkout endpoint.
type OrderHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	log      EventLogger
	submit   []func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithSubmitMiddleware wraps order submission only, after authentication has
// resolved the caller. Idempotency guards plug in here.
func WithSubmitMiddleware(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		for _, m := range mw {
			if m != nil {
				h.submit = append(h.submit, m)
			}
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, checkout services.CheckoutService, log EventLogger, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		checkout: checkout,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Authentication is optional; a verified
// identity becomes the order's user id.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalAuth())
	}
	r.With(h.submit...).Post("/", h.createOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		Customer: domain.CustomerInfo{
			Name:  req.CustomerInfo.Name,
			Email: req.CustomerInfo.Email,
			Phone: req.CustomerInfo.Phone,
		},
		Items:           make([]services.CartItem, 0, len(req.CartItems)),
		TotalAmount:     req.TotalAmount,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		Meta:            requestMeta(r),
	}
	for _, item := range req.CartItems {
		cmd.Items = append(cmd.Items, services.CartItem{
			ProductID: item.ID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	if req.AppliedCoupon != nil {
		cmd.Coupon = &services.AppliedCoupon{
			Code:           req.AppliedCoupon.Code,
			DiscountAmount: req.AppliedCoupon.DiscountAmount,
		}
	}

	result, err := h.checkout.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}
	requestctx.Annotate(ctx, "order_number", result.OrderNumber)

	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{
		Success: true,
		Message: "Order placed successfully",
		Data:    buildCreateOrderData(result),
	})
}

func buildCreateOrderData(result services.OrderResult) createOrderData {
	items := make([]orderItemPayload, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, buildOrderItemPayload(item))
	}
	return createOrderData{
		OrderID:       result.OrderID,
		OrderNumber:   result.OrderNumber,
		Subtotal:      money(result.Subtotal),
		Tax:           money(result.Tax),
		ShippingCost:  money(result.ShippingCost),
		Discount:      money(result.Discount),
		TotalAmount:   money(result.TotalAmount),
		Status:        string(result.Status),
		PaymentStatus: string(result.PaymentStatus),
		CustomerInfo: customerInfoPayload{
			Name:  result.Customer.Name,
			Email: result.Customer.Email,
			Phone: result.Customer.Phone,
		},
		CartItems: items,
		CreatedAt: result.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func buildOrderItemPayload(item domain.OrderItem) orderItemPayload {
	return orderItemPayload{
		ID:        item.ProductID,
		Name:      item.ProductName,
		Price:     money(item.UnitPrice),
		Quantity:  item.Quantity,
		LineTotal: money(item.LineTotal),
	}
}

// requestMeta captures caller details explicitly instead of reading ambient request state.
func requestMeta(r *http.Request) domain.RequestMeta {
	meta := domain.RequestMeta{
		UserAgent: truncate(r.UserAgent(), 512),
	}
	meta.CustomerID = auth.SubjectID(r.Context())
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	meta.IPAddress = truncate(addr, 64)
	return meta
}

func actorID(ctx context.Context) string {
	return auth.SubjectID(ctx)
}

// truncate caps value at limit bytes without splitting a rune; invalid UTF-8 is
// replaced so the result always fits a TEXT column.
func truncate(value string, limit int) string {
	value = strings.TrimSpace(strings.ToValidUTF8(value, "\uFFFD"))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
