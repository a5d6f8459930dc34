package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

var testNow = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func dec(value string) decimal.Decimal { return decimal.RequireFromString(value) }

func decEqual(t *testing.T, field string, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("expected %s %s, got %s", field, want, got.String())
	}
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	store.SeedProduct(domain.Product{ID: 1, Name: "Widget", Price: dec("1000.00"), StockQuantity: 10})
	store.SeedProduct(domain.Product{ID: 2, Name: "Gadget", Price: dec("500.00"), StockQuantity: 5})
	return store
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (c *captureNotifier) Broadcast(_ context.Context, eventType, title, message, link string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Notification{EventType: eventType, Title: title, Message: message, Link: link})
}

func (c *captureNotifier) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.events...)
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

type passthroughUnitOfWork struct{}

func (passthroughUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func couponFixture(kind, value string) domain.Coupon {
	return domain.Coupon{Code: "TEST", DiscountType: domain.DiscountType(kind), DiscountValue: dec(value), Active: true}
}
