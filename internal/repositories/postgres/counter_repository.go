package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

// CounterRepository issues monotonically increasing values per counter name.
type CounterRepository struct {
	db *sql.DB
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// Next increments the counter atomically. When the counter already sits at
// maxValue the conditional upsert returns no row and the counter is exhausted.
func (r *CounterRepository) Next(ctx context.Context, counterID string, maxValue int64) (int64, error) {
	const query = `INSERT INTO order_counters (name, value, max_value)
		VALUES ($1, 1, $2)
		ON CONFLICT (name) DO UPDATE
			SET value = order_counters.value + 1, max_value = EXCLUDED.max_value
			WHERE order_counters.max_value IS NULL OR order_counters.value < order_counters.max_value
		RETURNING value`

	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}

	var limit sql.NullInt64
	if maxValue > 0 {
		limit = sql.NullInt64{Int64: maxValue, Valid: true}
	}

	var value int64
	err := pg.Conn(ctx, r.db).QueryRowContext(ctx, query, counterID, limit).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted,
			fmt.Sprintf("counter %s reached %d", counterID, maxValue))
	}
	if err != nil {
		return 0, pg.WrapError("counters.next", err)
	}
	return value, nil
}
