package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	domain "github.com/hanko-field/checkout/internal/domain"
	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

const productColumns = `id, name, price, stock_quantity, initial_stock, created_at, updated_at`

// ProductRepository reads and mutates product stock rows.
type ProductRepository struct {
	db *sql.DB
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// LockedRead takes FOR UPDATE locks on the requested rows. The ORDER BY sits
// below the lock step, so locks are acquired in ascending id order.
func (r *ProductRepository) LockedRead(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	const query = `SELECT ` + productColumns + `
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`

	if len(ids) == 0 {
		return map[int64]domain.Product{}, nil
	}

	rows, err := pg.Conn(ctx, r.db).QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, pg.WrapError("products.locked_read", err)
	}
	defer rows.Close()

	products := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, pg.WrapError("products.locked_read", err)
		}
		products[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("products.locked_read", err)
	}
	return products, nil
}

// ApplyMovements adjusts stock and appends ledger rows. The products CHECK
// constraint rejects negative stock.
func (r *ProductRepository) ApplyMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	const updateStock = `UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1`
	const insertMovement = `INSERT INTO stock_movements
		(product_id, quantity_delta, movement_type, reference_type, reference_id, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	conn := pg.Conn(ctx, r.db)
	out := make([]domain.StockMovement, 0, len(movements))
	for _, movement := range movements {
		res, err := conn.ExecContext(ctx, updateStock, movement.ProductID, movement.QuantityDelta)
		if err != nil {
			return nil, classifyStockError(movement.ProductID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, movement.ProductID,
				fmt.Sprintf("product %d not found", movement.ProductID), nil)
		}

		err = conn.QueryRowContext(ctx, insertMovement,
			movement.ProductID,
			movement.QuantityDelta,
			string(movement.Type),
			movement.ReferenceType,
			movement.ReferenceID,
			movement.Notes,
			nullString(movement.CreatedBy),
			movement.CreatedAt,
		).Scan(&movement.ID)
		if err != nil {
			return nil, pg.WrapError("stock_movements.insert", err)
		}
		out = append(out, movement)
	}
	return out, nil
}

// FindByID loads a product without locking it.
func (r *ProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	const query = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(pg.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return domain.Product{}, pg.WrapError("products.find", err)
	}
	return product, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var product domain.Product
	err := row.Scan(
		&product.ID,
		&product.Name,
		&product.Price,
		&product.StockQuantity,
		&product.InitialStock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	return product, err
}

func classifyStockError(productID int64, err error) error {
	wrapped := pg.WrapError("products.apply_stock", err)
	var pgErr *pg.Error
	if errors.As(wrapped, &pgErr) && pgErr.IsCheckViolation() {
		return repositories.NewInventoryError(repositories.InventoryErrorNegativeStock, productID,
			fmt.Sprintf("product %d stock would become negative", productID), wrapped)
	}
	return wrapped
}
