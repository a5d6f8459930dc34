package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

const defaultMovementLimit = 50

type statusUpdateRequest struct {
	OrderNumber     string  `json:"order_number"`
	Status          string  `json:"status"`
	ShippingAddress *string `json:"shipping_address"`
	TrackingNumber  *string `json:"tracking_number"`
	Carrier         *string `json:"carrier"`
}

type statusUpdateResponse struct {
	Success     bool   `json:"success"`
	Updated     int64  `json:"updated"`
	OrderNumber string `json:"order_number"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type orderPayload struct {
	OrderID         int64               `json:"order_id"`
	OrderNumber     string              `json:"order_number"`
	UserID          string              `json:"user_id,omitempty"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"payment_status"`
	PaymentMethod   string              `json:"payment_method"`
	CustomerInfo    customerInfoPayload `json:"customer_info"`
	ShippingAddress string              `json:"shipping_address,omitempty"`
	CouponCode      string              `json:"coupon_code,omitempty"`
	Subtotal        money               `json:"subtotal"`
	Tax             money               `json:"tax"`
	ShippingCost    money               `json:"shipping_cost"`
	Discount        money               `json:"discount"`
	TotalAmount     money               `json:"total_amount"`
	TrackingNumber  string              `json:"tracking_number,omitempty"`
	Carrier         string              `json:"carrier,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	CartItems       []orderItemPayload  `json:"cart_items"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
	ShippedAt       *string             `json:"shipped_at"`
	DeliveredAt     *string             `json:"delivered_at"`
}

type stockAdjustmentRequest struct {
	Delta     int    `json:"delta"`
	Type      string `json:"type"`
	Notes     string `json:"notes"`
	Reference string `json:"reference"`
}

type movementPayload struct {
	ID            int64  `json:"id"`
	QuantityDelta int    `json:"quantity_delta"`
	Type          string `json:"type"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type stockReportPayload struct {
	ProductID     int64             `json:"product_id"`
	Name          string            `json:"name"`
	InitialStock  int               `json:"initial_stock"`
	MovementTotal int64             `json:"movement_total"`
	StockQuantity int               `json:"stock_quantity"`
	Consistent    bool              `json:"consistent"`
	Movements     []movementPayload `json:"movements"`
}

// AdminHandlers exposes staff-only order and inventory endpoints.
type AdminHandlers struct {
	authn    *auth.Authenticator
	roles    []string
	statuses services.OrderStatusService
	ledger   services.InventoryLedger
	log      EventLogger
}

// NewAdminHandlers constructs AdminHandlers. roles lists the identity roles allowed through.
func NewAdminHandlers(authn *auth.Authenticator, roles []string, statuses services.OrderStatusService, ledger services.InventoryLedger, log EventLogger) *AdminHandlers {
	if len(roles) == 0 {
		roles = []string{auth.RoleAdmin}
	}
	return &AdminHandlers{
		authn:    authn,
		roles:    append([]string(nil), roles...),
		statuses: statuses,
		ledger:   ledger,
		log:      log,
	}
}

// Routes registers the /admin endpoints behind role checks.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(h.roles...))
	} else {
		r.Use(func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				httpx.WriteError(req.Context(), w, httpx.NewError("unauthenticated", "authentication is not configured", http.StatusUnauthorized))
			})
		})
	}
	r.Post("/orders/status", h.updateOrderStatus)
	r.Get("/orders/{orderNumber}", h.getOrder)
	r.Get("/products/{productID}/stock", h.getStock)
	r.Post("/products/{productID}/stock-adjustments", h.adjustStock)
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req statusUpdateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	requestctx.Annotate(ctx, "order_number", req.OrderNumber)

	result, err := h.statuses.Transition(ctx, services.TransitionCommand{
		OrderNumber:     req.OrderNumber,
		Target:          domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ShippingAddress: req.ShippingAddress,
		TrackingNumber:  req.TrackingNumber,
		Carrier:         req.Carrier,
		ActorID:         actorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, statusUpdateResponse{
		Success:     true,
		Updated:     result.Updated,
		OrderNumber: result.OrderNumber,
		From:        string(result.From),
		To:          string(result.To),
	})
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.statuses.GetOrder(ctx, chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    buildOrderPayload(order),
	})
}

func (h *AdminHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}
	requestctx.Annotate(ctx, "product_id", strconv.FormatInt(productID, 10))

	limit := defaultMovementLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	report, err := h.ledger.Reconcile(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}
	movements, err := h.ledger.Movements(ctx, productID, limit)
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}

	payload := stockReportPayload{
		ProductID:     report.ProductID,
		Name:          report.Name,
		InitialStock:  report.InitialStock,
		MovementTotal: report.MovementTotal,
		StockQuantity: report.StockQuantity,
		Consistent:    report.Consistent,
		Movements:     make([]movementPayload, 0, len(movements)),
	}
	for _, movement := range movements {
		payload.Movements = append(payload.Movements, buildMovementPayload(movement))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    payload,
	})
}

func (h *AdminHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}
	requestctx.Annotate(ctx, "product_id", strconv.FormatInt(productID, 10))

	var req stockAdjustmentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	movement, err := h.ledger.Adjust(ctx, services.StockAdjustmentCommand{
		ProductID: productID,
		Delta:     req.Delta,
		Type:      domain.MovementType(strings.ToLower(strings.TrimSpace(req.Type))),
		Notes:     req.Notes,
		Reference: req.Reference,
		ActorID:   actorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    buildMovementPayload(movement),
	})
}

func parseProductID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "productID")), 10, 64)
	if err != nil || productID <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("validation_error", "product id must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return productID, true
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, buildOrderItemPayload(item))
	}
	return orderPayload{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: order.PaymentMethod,
		CustomerInfo: customerInfoPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		ShippingAddress: order.ShippingAddress,
		CouponCode:      order.CouponCode,
		Subtotal:        money(order.Subtotal),
		Tax:             money(order.Tax),
		ShippingCost:    money(order.ShippingCost),
		Discount:        money(order.Discount),
		TotalAmount:     money(order.TotalAmount),
		TrackingNumber:  order.TrackingNumber,
		Carrier:         order.Carrier,
		Notes:           order.Notes,
		CartItems:       items,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       order.UpdatedAt.UTC().Format(time.RFC3339),
		ShippedAt:       formatOptionalTime(order.ShippedAt),
		DeliveredAt:     formatOptionalTime(order.DeliveredAt),
	}
}

func buildMovementPayload(movement domain.StockMovement) movementPayload {
	return movementPayload{
		ID:            movement.ID,
		QuantityDelta: movement.QuantityDelta,
		Type:          string(movement.Type),
		ReferenceType: movement.ReferenceType,
		ReferenceID:   movement.ReferenceID,
		Notes:         movement.Notes,
		CreatedBy:     movement.CreatedBy,
		CreatedAt:     movement.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
