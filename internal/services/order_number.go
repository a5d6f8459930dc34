package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	// OrderNumberStrategyRandom draws a random suffix and rechecks uniqueness.
	OrderNumberStrategyRandom = "random"
	// OrderNumberStrategyCounter draws the suffix from a per-year counter.
	OrderNumberStrategyCounter = "counter"

	orderNumberPrefix          = "ORD"
	orderNumberMaxSuffix       = 999999
	defaultOrderNumberAttempts = 5
)

// OrderNumberGeneratorDeps bundles collaborators required by the order number generator.
type OrderNumberGeneratorDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	Strategy    string
	MaxAttempts int
	Clock       func() time.Time
	// Random returns a suffix in [0, 999999]. Defaults to math/rand/v2.
	Random func() int
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderNumberGenerator struct {
	orders      repositories.OrderRepository
	counters    repositories.CounterRepository
	strategy    string
	maxAttempts int
	now         func() time.Time
	random      func() int
	logger      func(context.Context, string, map[string]any)
}

// NewOrderNumberGenerator constructs an OrderNumberGenerator for the configured strategy.
func NewOrderNumberGenerator(deps OrderNumberGeneratorDeps) (OrderNumberGenerator, error) {
	strategy := strings.ToLower(strings.TrimSpace(deps.Strategy))
	if strategy == "" {
		strategy = OrderNumberStrategyRandom
	}
	switch strategy {
	case OrderNumberStrategyRandom:
		if deps.Orders == nil {
			return nil, errors.New("order number generator: order repository is required")
		}
	case OrderNumberStrategyCounter:
		if deps.Counters == nil {
			return nil, errors.New("order number generator: counter repository is required")
		}
	default:
		return nil, fmt.Errorf("order number generator: unknown strategy %q", deps.Strategy)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	random := deps.Random
	if random == nil {
		random = func() int { return rand.IntN(orderNumberMaxSuffix + 1) }
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultOrderNumberAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderNumberGenerator{
		orders:      deps.Orders,
		counters:    deps.Counters,
		strategy:    strategy,
		maxAttempts: attempts,
		now: func() time.Time {
			return clock().UTC()
		},
		random: random,
		logger: logger,
	}, nil
}

func (g *orderNumberGenerator) Next(ctx context.Context) (string, error) {
	year := g.now().Year()
	if g.strategy == OrderNumberStrategyCounter {
		return g.nextFromCounter(ctx, year)
	}
	return g.nextRandom(ctx, year)
}

func (g *orderNumberGenerator) nextRandom(ctx context.Context, year int) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		candidate := FormatOrderNumber(year, int64(g.random()))
		exists, err := g.orders.ExistsByNumber(ctx, candidate)
		if err != nil {
			return "", &PersistenceError{Op: "order_number.exists", Err: err}
		}
		if !exists {
			return candidate, nil
		}
		g.logger(ctx, "checkout.order_number.collision", map[string]any{
			"orderNumber": candidate,
			"attempt":     attempt,
		})
	}
	return "", &PersistenceError{
		Op:  "order_number.generate",
		Err: fmt.Errorf("no unique order number after %d attempts", g.maxAttempts),
	}
}

func (g *orderNumberGenerator) nextFromCounter(ctx context.Context, year int) (string, error) {
	value, err := g.counters.Next(ctx, "orders:"+strconv.Itoa(year), orderNumberMaxSuffix)
	if err != nil {
		return "", &PersistenceError{Op: "order_number.counter", Err: err}
	}
	return FormatOrderNumber(year, value), nil
}

// FormatOrderNumber renders ORD-YYYY-NNNNNN.
func FormatOrderNumber(year int, suffix int64) string {
	return fmt.Sprintf("%s-%04d-%06d", orderNumberPrefix, year, suffix)
}
