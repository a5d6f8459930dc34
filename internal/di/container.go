package di

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Ledger       services.InventoryLedger
	OrderNumbers services.OrderNumberGenerator
	Checkout     services.CheckoutService
	Statuses     services.OrderStatusService
}

// Store is a repository registry that also owns transaction boundaries. Both the
// Postgres and in-memory stores satisfy it.
type Store interface {
	repositories.Registry
	repositories.UnitOfWork
}

// Dependencies carries the runtime collaborators shared by every service.
type Dependencies struct {
	Store    Store
	Notifier services.Notifier
	Meter    metric.Meter
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config   config.Config
	Store    Store
	Services Services
}

// NewContainer constructs the checkout services over the provided store. Tests pass
// the in-memory store; production passes the Postgres one.
func NewContainer(cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Store == nil {
		return nil, errors.New("di: store is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:   cfg,
		Store:    deps.Store,
		Services: svc,
	}, nil
}

// Close releases the underlying store.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close(ctx)
}

func buildServices(cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services
	store := deps.Store

	policy, err := CheckoutPolicy(cfg.Checkout)
	if err != nil {
		return Services{}, err
	}

	ledger, err := services.NewInventoryLedger(services.InventoryLedgerDeps{
		Products:       store.Products(),
		Movements:      store.StockMovements(),
		UnitOfWork:     store,
		PriceTolerance: policy.Tolerance,
		Clock:          deps.Clock,
		Logger:         deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory ledger: %w", err)
	}
	svc.Ledger = ledger

	numbers, err := services.NewOrderNumberGenerator(services.OrderNumberGeneratorDeps{
		Orders:      store.Orders(),
		Counters:    store.Counters(),
		Strategy:    cfg.Checkout.OrderNumberStrategy,
		MaxAttempts: cfg.Checkout.OrderNumberAttempts,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order number generator: %w", err)
	}
	svc.OrderNumbers = numbers

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		UnitOfWork:   store,
		Orders:       store.Orders(),
		Coupons:      store.Coupons(),
		Ledger:       ledger,
		OrderNumbers: numbers,
		Notifier:     deps.Notifier,
		Policy:       policy,
		Meter:        deps.Meter,
		Clock:        deps.Clock,
		Logger:       deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	statuses, err := services.NewOrderStatusService(services.OrderStatusServiceDeps{
		UnitOfWork: store,
		Orders:     store.Orders(),
		Notifier:   deps.Notifier,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order status service: %w", err)
	}
	svc.Statuses = statuses

	return svc, nil
}

// CheckoutPolicy converts config strings into the service policy. Empty fields keep
// the service defaults.
func CheckoutPolicy(cfg config.CheckoutConfig) (services.CheckoutPolicy, error) {
	policy := services.DefaultCheckoutPolicy()
	for _, field := range []struct {
		name   string
		raw    string
		target *decimal.Decimal
	}{
		{"shipping fee", cfg.ShippingFee, &policy.ShippingFee},
		{"free shipping threshold", cfg.FreeShippingThreshold, &policy.FreeShippingThreshold},
		{"tax rate", cfg.TaxRate, &policy.TaxRate},
		{"price tolerance", cfg.PriceTolerance, &policy.Tolerance},
	} {
		raw := strings.TrimSpace(field.raw)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return services.CheckoutPolicy{}, fmt.Errorf("di: invalid %s %q: %w", field.name, raw, err)
		}
		*field.target = value
	}
	if cfg.TotalPolicy != "" {
		policy.TotalPolicy = cfg.TotalPolicy
	}
	if len(cfg.PaymentMethods) > 0 {
		policy.PaymentMethods = cfg.PaymentMethods
	}
	if pattern := strings.TrimSpace(cfg.PhonePattern); pattern != "" {
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return services.CheckoutPolicy{}, fmt.Errorf("di: invalid phone pattern: %w", err)
		}
		policy.PhonePattern = expr
	}
	return policy, nil
}
