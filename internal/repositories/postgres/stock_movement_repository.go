package postgres

import (
	"context"
	"database/sql"

	domain "github.com/hanko-field/checkout/internal/domain"
	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

// StockMovementRepository reads the stock ledger.
type StockMovementRepository struct {
	db *sql.DB
}

var _ repositories.StockMovementRepository = (*StockMovementRepository)(nil)

// ListByProduct returns movements newest first.
func (r *StockMovementRepository) ListByProduct(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	const query = `SELECT id, product_id, quantity_delta, movement_type, reference_type, reference_id, notes, created_by, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := pg.Conn(ctx, r.db).QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, pg.WrapError("stock_movements.list", err)
	}
	defer rows.Close()

	var movements []domain.StockMovement
	for rows.Next() {
		var (
			movement  domain.StockMovement
			kind      string
			createdBy sql.NullString
		)
		if err := rows.Scan(
			&movement.ID,
			&movement.ProductID,
			&movement.QuantityDelta,
			&kind,
			&movement.ReferenceType,
			&movement.ReferenceID,
			&movement.Notes,
			&createdBy,
			&movement.CreatedAt,
		); err != nil {
			return nil, pg.WrapError("stock_movements.list", err)
		}
		movement.Type = domain.MovementType(kind)
		movement.CreatedBy = createdBy.String
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("stock_movements.list", err)
	}
	return movements, nil
}

// SumByProduct returns the signed sum of all ledger deltas for the product.
func (r *StockMovementRepository) SumByProduct(ctx context.Context, productID int64) (int64, error) {
	const query = `SELECT COALESCE(SUM(quantity_delta), 0) FROM stock_movements WHERE product_id = $1`

	var sum int64
	if err := pg.Conn(ctx, r.db).QueryRowContext(ctx, query, productID).Scan(&sum); err != nil {
		return 0, pg.WrapError("stock_movements.sum", err)
	}
	return sum, nil
}
