package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

func TestCreateOrderHappyPath(t *testing.T) {
	app := newTestApp(t, seededStore())

	rec := app.do(t, http.MethodPost, "/api/v1/orders", validOrderBody(), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("expected success true, got %v", payload["success"])
	}
	if payload["message"] != "Order placed successfully" {
		t.Fatalf("unexpected message %v", payload["message"])
	}
	data, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %T", payload["data"])
	}
	if data["order_number"] != "ORD-2025-000001" {
		t.Fatalf("unexpected order number %v", data["order_number"])
	}
	if data["total_amount"] != 1750.0 || data["shipping_cost"] != 250.0 || data["subtotal"] != 1500.0 {
		t.Fatalf("unexpected totals %v/%v/%v", data["subtotal"], data["shipping_cost"], data["total_amount"])
	}
	if data["status"] != "pending" || data["payment_status"] != "pending" {
		t.Fatalf("unexpected statuses %v/%v", data["status"], data["payment_status"])
	}
	items, ok := data["cart_items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 cart items, got %v", data["cart_items"])
	}
	if !strings.Contains(rec.Body.String(), `"total_amount":1750.00`) {
		t.Fatalf("expected money rendered with two decimals, got %s", rec.Body.String())
	}

	snap := app.store.Snapshot()
	if snap.Products[1].StockQuantity != 9 || snap.Products[2].StockQuantity != 4 {
		t.Fatalf("unexpected stock %d/%d", snap.Products[1].StockQuantity, snap.Products[2].StockQuantity)
	}
	if len(snap.Orders) != 1 || snap.Orders[0].UserID != "" {
		t.Fatalf("expected one anonymous order, got %+v", snap.Orders)
	}
}

func TestCreateOrderAttachesAuthenticatedUser(t *testing.T) {
	app := newTestApp(t, seededStore())

	rec := app.do(t, http.MethodPost, "/api/v1/orders", validOrderBody(), bearer(t, "customer-42"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := app.store.Snapshot()
	if len(snap.Orders) != 1 || snap.Orders[0].UserID != "customer-42" {
		t.Fatalf("expected order owned by customer-42, got %+v", snap.Orders)
	}
}

func TestCreateOrderRejectsInvalidToken(t *testing.T) {
	app := newTestApp(t, seededStore())

	rec := app.do(t, http.MethodPost, "/api/v1/orders", validOrderBody(), "Bearer not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(app.store.Snapshot().Orders) != 0 {
		t.Fatalf("expected no order to be written")
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	app := newTestApp(t, seededStore())
	body := validOrderBody()
	body["cart_items"] = []map[string]any{{"id": 2, "name": "Gadget", "price": 500, "quantity": 6}}
	body["total_amount"] = 3000

	rec := app.do(t, http.MethodPost, "/api/v1/orders", body, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "insufficient_stock" || payload["success"] != false {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["available"] != 5.0 || payload["requested"] != 6.0 {
		t.Fatalf("expected available 5 requested 6, got %v/%v", payload["available"], payload["requested"])
	}
	if app.store.Snapshot().Products[2].StockQuantity != 5 {
		t.Fatalf("expected stock untouched")
	}
}

func TestCreateOrderPriceMismatch(t *testing.T) {
	app := newTestApp(t, seededStore())
	body := validOrderBody()
	body["cart_items"] = []map[string]any{{"id": 1, "name": "Widget", "price": 900, "quantity": 1}}
	body["total_amount"] = 1150

	rec := app.do(t, http.MethodPost, "/api/v1/orders", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "price_mismatch" || payload["product_id"] != 1.0 {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	app := newTestApp(t, seededStore())
	body := validOrderBody()
	body["cart_items"] = []map[string]any{{"id": 99, "name": "Ghost", "price": 100, "quantity": 1}}
	body["total_amount"] = 350

	rec := app.do(t, http.MethodPost, "/api/v1/orders", body, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateOrderMalformedBodies(t *testing.T) {
	app := newTestApp(t, seededStore())

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "empty", body: "", status: http.StatusBadRequest, code: "validation_error"},
		{name: "invalid json", body: "{", status: http.StatusBadRequest, code: "validation_error"},
		{name: "too large", body: `{"notes":"` + strings.Repeat("x", maxJSONBodySize) + `"}`, status: http.StatusRequestEntityTooLarge, code: "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/api/v1/orders", tc.body, "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if payload := decodeBody(t, rec); payload["error"] != tc.code {
				t.Fatalf("expected error %s, got %v", tc.code, payload["error"])
			}
		})
	}
}

func TestCreateOrderMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:   "validation",
			err:    &services.ValidationError{Field: "customer_info.email", Reason: "Invalid email address"},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "transition",
			err:    &services.TransitionError{From: domain.OrderStatusCancelled, To: domain.OrderStatusShipped},
			status: http.StatusBadRequest,
			code:   "invalid_transition",
		},
		{
			name:   "timeout",
			err:    context.DeadlineExceeded,
			status: http.StatusServiceUnavailable,
			code:   "timeout",
		},
		{
			name:    "persistence",
			err:     &services.PersistenceError{Op: "checkout.insert_order", Err: errors.New("pq: connection refused")},
			status:  http.StatusInternalServerError,
			code:    "internal_error",
			message: "An unexpected error occurred. Please try again later.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var logged []string
			checkout := &stubCheckout{err: tc.err}
			handlers := NewOrderHandlers(nil, checkout, func(_ context.Context, event string, _ map[string]any) {
				logged = append(logged, event)
			})
			app := testApp{router: NewRouter(WithOrderRoutes(handlers.Routes))}

			rec := app.do(t, http.MethodPost, "/api/v1/orders", validOrderBody(), "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			payload := decodeBody(t, rec)
			if payload["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, payload["error"])
			}
			if tc.message != "" {
				if payload["message"] != tc.message {
					t.Fatalf("expected generic message, got %v", payload["message"])
				}
				if strings.Contains(rec.Body.String(), "connection refused") {
					t.Fatalf("internal error leaked to client: %s", rec.Body.String())
				}
				if len(logged) != 1 || logged[0] != "http.request.failed" {
					t.Fatalf("expected failure to be logged, got %v", logged)
				}
			}
		})
	}
}

func TestCreateOrderForwardsRequest(t *testing.T) {
	checkout := &stubCheckout{result: services.OrderResult{OrderNumber: "ORD-2025-000123", TotalAmount: decimal.RequireFromString("1750")}}
	handlers := NewOrderHandlers(nil, checkout, nil)
	app := testApp{router: NewRouter(WithOrderRoutes(handlers.Routes))}

	body := validOrderBody()
	body["applied_coupon"] = map[string]any{"code": "SAVE10", "discount_amount": 150}
	rec := app.do(t, http.MethodPost, "/api/v1/orders", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if checkout.calls != 1 {
		t.Fatalf("expected one checkout call, got %d", checkout.calls)
	}
	cmd := checkout.last
	if len(cmd.Items) != 2 || cmd.Items[0].ProductID != 1 || cmd.Items[1].Quantity != 1 {
		t.Fatalf("unexpected items %+v", cmd.Items)
	}
	if cmd.Coupon == nil || cmd.Coupon.Code != "SAVE10" || !cmd.Coupon.DiscountAmount.Equal(dec("150")) {
		t.Fatalf("unexpected coupon %+v", cmd.Coupon)
	}
	if cmd.Meta.IPAddress != "192.0.2.1" {
		t.Fatalf("expected remote address captured, got %q", cmd.Meta.IPAddress)
	}
	if !cmd.TotalAmount.Equal(dec("1750")) || cmd.PaymentMethod != "mpesa" {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

func TestCreateOrderWithoutServiceIsUnavailable(t *testing.T) {
	handlers := NewOrderHandlers(nil, nil, nil)
	app := testApp{router: NewRouter(WithOrderRoutes(handlers.Routes))}

	rec := app.do(t, http.MethodPost, "/api/v1/orders", validOrderBody(), "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRequestMetaTruncatesOnRuneBoundary(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.Header.Set("User-Agent", strings.Repeat("a", 511)+"é")
	req.RemoteAddr = "203.0.113.7:4711"

	meta := requestMeta(req)
	if !utf8.ValidString(meta.UserAgent) {
		t.Fatalf("user agent is not valid UTF-8: %q", meta.UserAgent[500:])
	}
	if meta.UserAgent != strings.Repeat("a", 511) {
		t.Fatalf("expected the split rune to be dropped, got %d bytes", len(meta.UserAgent))
	}
	if meta.IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected ip %q", meta.IPAddress)
	}
}

func TestTruncateReplacesInvalidUTF8(t *testing.T) {
	got := truncate("curl/\xff8.0", 512)
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got)
	}
	if got != "curl/\uFFFD8.0" {
		t.Fatalf("unexpected value %q", got)
	}
	if got := truncate(strings.Repeat("é", 10), 5); got != "éé" {
		t.Fatalf("expected two whole runes, got %q", got)
	}
}
