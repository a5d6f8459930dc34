package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	testSecret = "handler-test-secret"
	testIssuer = "checkout-test"
)

var testNow = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func dec(value string) decimal.Decimal { return decimal.RequireFromString(value) }

func testAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	verifier, err := auth.NewHMACVerifier(testSecret, testIssuer, auth.WithHMACClock(fixedClock))
	if err != nil {
		t.Fatalf("new hmac verifier: %v", err)
	}
	return auth.NewAuthenticator(verifier)
}

func bearer(t *testing.T, uid string, roles ...string) string {
	t.Helper()
	token, err := auth.SignHMACToken(testSecret, testIssuer, uid, roles, time.Hour, testNow)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func seededStore() *memory.Store {
	store := memory.NewStore()
	store.SeedProduct(domain.Product{ID: 1, Name: "Widget", Price: dec("1000.00"), StockQuantity: 10})
	store.SeedProduct(domain.Product{ID: 2, Name: "Gadget", Price: dec("500.00"), StockQuantity: 5})
	return store
}

type testApp struct {
	store  *memory.Store
	router chi.Router
}

// newTestApp wires the real services over the in-memory store behind the router.
func newTestApp(t *testing.T, store *memory.Store, opts ...OrderHandlerOption) testApp {
	t.Helper()
	ledger, err := services.NewInventoryLedger(services.InventoryLedgerDeps{
		Products:   store.Products(),
		Movements:  store.StockMovements(),
		UnitOfWork: store,
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("new inventory ledger: %v", err)
	}
	numbers, err := services.NewOrderNumberGenerator(services.OrderNumberGeneratorDeps{
		Counters: store.Counters(),
		Strategy: services.OrderNumberStrategyCounter,
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("new order number generator: %v", err)
	}
	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		UnitOfWork:   store,
		Orders:       store.Orders(),
		Coupons:      store.Coupons(),
		Ledger:       ledger,
		OrderNumbers: numbers,
		Policy:       services.DefaultCheckoutPolicy(),
		Clock:        fixedClock,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	statuses, err := services.NewOrderStatusService(services.OrderStatusServiceDeps{
		UnitOfWork: store,
		Orders:     store.Orders(),
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("new order status service: %v", err)
	}

	authn := testAuthenticator(t)
	orders := NewOrderHandlers(authn, checkout, nil, opts...)
	admin := NewAdminHandlers(authn, nil, statuses, ledger, nil)
	router := NewRouter(
		WithOrderRoutes(orders.Routes),
		WithAdminRoutes(admin.Routes),
	)
	return testApp{store: store, router: router}
}

func (a testApp) do(t *testing.T, method, path string, body any, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

type stubCheckout struct {
	result services.OrderResult
	err    error
	last   services.CreateOrderCommand
	calls  int
}

func (s *stubCheckout) CreateOrder(_ context.Context, cmd services.CreateOrderCommand) (services.OrderResult, error) {
	s.calls++
	s.last = cmd
	return s.result, s.err
}

func validOrderBody() map[string]any {
	return map[string]any{
		"customer_info": map[string]any{
			"name":  "Jane Wanjiru",
			"email": "jane@example.com",
			"phone": "0712345678",
		},
		"cart_items": []map[string]any{
			{"id": 1, "name": "Widget", "price": 1000, "quantity": 1},
			{"id": 2, "name": "Gadget", "price": 500, "quantity": 1},
		},
		"total_amount":     1750,
		"payment_method":   "mpesa",
		"shipping_address": "12 Moi Avenue, Nairobi",
	}
}
