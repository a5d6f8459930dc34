package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	defaultMovementListLimit = 50
	maxMovementListLimit     = 500
)

var tracer = otel.Tracer("github.com/hanko-field/checkout/internal/services")

// DefaultPriceTolerance is the largest accepted difference between a client and a stored amount.
var DefaultPriceTolerance = decimal.RequireFromString("0.01")

// InventoryLedgerDeps bundles the collaborators required by the inventory ledger.
type InventoryLedgerDeps struct {
	Products       repositories.ProductRepository
	Movements      repositories.StockMovementRepository
	UnitOfWork     repositories.UnitOfWork
	PriceTolerance decimal.Decimal
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type inventoryLedger struct {
	products  repositories.ProductRepository
	movements repositories.StockMovementRepository
	uow       repositories.UnitOfWork
	tolerance decimal.Decimal
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewInventoryLedger wires dependencies into a concrete InventoryLedger.
func NewInventoryLedger(deps InventoryLedgerDeps) (InventoryLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory ledger: product repository is required")
	}
	if deps.Movements == nil {
		return nil, errors.New("inventory ledger: stock movement repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("inventory ledger: unit of work is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tolerance := deps.PriceTolerance
	if !tolerance.IsPositive() {
		tolerance = DefaultPriceTolerance
	}
	return &inventoryLedger{
		products:  deps.Products,
		movements: deps.Movements,
		uow:       deps.UnitOfWork,
		tolerance: tolerance,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// MaxLineQuantity bounds a cart line and the per-product total of a cart. It
// matches the INTEGER quantity columns.
const MaxLineQuantity = math.MaxInt32

type aggregatedLine struct {
	productID int64
	quantity  int
}

// Apply locks every referenced product in ascending id order, verifies price and
// availability for all lines, then writes the decrements and sale movements.
// It joins the transaction carried by ctx when one is open.
func (l *inventoryLedger) Apply(ctx context.Context, ref StockReference, lines []LedgerLine) ([]LedgerResult, error) {
	if len(lines) == 0 {
		return nil, invalid("cart_items", "at least one item is required")
	}
	aggregated := make(map[int64]*aggregatedLine, len(lines))
	for _, line := range lines {
		if line.ProductID <= 0 {
			return nil, invalid("cart_items.id", "product id must be positive")
		}
		if line.Quantity <= 0 || line.Quantity > MaxLineQuantity {
			return nil, invalid("cart_items.quantity", fmt.Sprintf("quantity must be between 1 and %d", MaxLineQuantity))
		}
		agg, ok := aggregated[line.ProductID]
		if !ok {
			agg = &aggregatedLine{productID: line.ProductID}
			aggregated[line.ProductID] = agg
		}
		if agg.quantity > MaxLineQuantity-line.Quantity {
			return nil, invalid("cart_items.quantity", fmt.Sprintf("total quantity for product %d exceeds %d", line.ProductID, MaxLineQuantity))
		}
		agg.quantity += line.Quantity
	}
	ids := make([]int64, 0, len(aggregated))
	for id := range aggregated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ctx, span := tracer.Start(ctx, "inventory.apply", trace.WithAttributes(
		attribute.Int("inventory.products", len(ids)),
		attribute.String("inventory.reference", ref.RefID),
	))
	defer span.End()

	var results []LedgerResult
	err := l.uow.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := l.products.LockedRead(txCtx, ids)
		if err != nil {
			return persistenceError("inventory.locked_read", err)
		}

		for _, id := range ids {
			if _, ok := locked[id]; !ok {
				return &NotFoundError{Resource: "product", Key: strconv.FormatInt(id, 10)}
			}
		}
		for _, line := range lines {
			product := locked[line.ProductID]
			if line.UnitPrice.Sub(product.Price).Abs().GreaterThan(l.tolerance) {
				return &PriceMismatchError{
					ProductID: product.ID,
					Name:      product.Name,
					Expected:  product.Price,
					Supplied:  line.UnitPrice,
				}
			}
		}
		for _, id := range ids {
			product := locked[id]
			requested := aggregated[id].quantity
			if product.StockQuantity < requested {
				return &InsufficientStockError{
					ProductID: id,
					Name:      product.Name,
					Available: product.StockQuantity,
					Requested: requested,
				}
			}
		}

		now := l.now()
		movements := make([]domain.StockMovement, 0, len(ids))
		for _, id := range ids {
			if aggregated[id].quantity <= 0 {
				return fmt.Errorf("inventory: non-decrementing movement for product %d", id)
			}
			movements = append(movements, domain.StockMovement{
				ProductID:     id,
				QuantityDelta: -aggregated[id].quantity,
				Type:          movementTypeOrDefault(ref.Type, domain.MovementTypeSale),
				ReferenceType: ref.RefType,
				ReferenceID:   ref.RefID,
				Notes:         ref.Notes,
				CreatedBy:     ref.ActorID,
				CreatedAt:     now,
			})
		}
		written, err := l.products.ApplyMovements(txCtx, movements)
		if err != nil {
			return l.mapInventoryError(err, locked, aggregated)
		}

		results = make([]LedgerResult, 0, len(written))
		for _, movement := range written {
			product := locked[movement.ProductID]
			product.StockQuantity += movement.QuantityDelta
			product.UpdatedAt = now
			results = append(results, LedgerResult{
				Product:  product,
				Quantity: -movement.QuantityDelta,
				Movement: movement,
			})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return results, nil
}

func (l *inventoryLedger) Adjust(ctx context.Context, cmd StockAdjustmentCommand) (StockMovement, error) {
	if cmd.ProductID <= 0 {
		return StockMovement{}, invalid("product_id", "product id must be positive")
	}
	if cmd.Delta == 0 || cmd.Delta > MaxLineQuantity || cmd.Delta < -MaxLineQuantity {
		return StockMovement{}, invalid("delta", fmt.Sprintf("delta must be non-zero and within ±%d", MaxLineQuantity))
	}
	movementType := movementTypeOrDefault(cmd.Type, domain.MovementTypeAdjustment)
	if !movementType.Valid() {
		return StockMovement{}, invalid("movement_type", fmt.Sprintf("unknown movement type %q", cmd.Type))
	}
	if movementType == domain.MovementTypeSale && cmd.Delta > 0 {
		return StockMovement{}, invalid("delta", "sale movements must be negative")
	}
	if (movementType == domain.MovementTypeRestock || movementType == domain.MovementTypeReturn) && cmd.Delta < 0 {
		return StockMovement{}, invalid("delta", fmt.Sprintf("%s movements must be positive", movementType))
	}

	var written StockMovement
	err := l.uow.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := l.products.LockedRead(txCtx, []int64{cmd.ProductID})
		if err != nil {
			return persistenceError("inventory.locked_read", err)
		}
		product, ok := locked[cmd.ProductID]
		if !ok {
			return &NotFoundError{Resource: "product", Key: strconv.FormatInt(cmd.ProductID, 10)}
		}
		if product.StockQuantity+cmd.Delta > MaxLineQuantity {
			return invalid("delta", fmt.Sprintf("stock for product %d would exceed %d", product.ID, MaxLineQuantity))
		}
		if product.StockQuantity+cmd.Delta < 0 {
			return &InsufficientStockError{
				ProductID: product.ID,
				Name:      product.Name,
				Available: product.StockQuantity,
				Requested: -cmd.Delta,
			}
		}
		movements, err := l.products.ApplyMovements(txCtx, []domain.StockMovement{{
			ProductID:     product.ID,
			QuantityDelta: cmd.Delta,
			Type:          movementType,
			ReferenceType: domain.ReferenceTypeManual,
			ReferenceID:   strings.TrimSpace(cmd.Reference),
			Notes:         strings.TrimSpace(cmd.Notes),
			CreatedBy:     strings.TrimSpace(cmd.ActorID),
			CreatedAt:     l.now(),
		}})
		if err != nil {
			return l.mapInventoryError(err, locked, map[int64]*aggregatedLine{
				product.ID: {productID: product.ID, quantity: -cmd.Delta},
			})
		}
		if len(movements) > 0 {
			written = movements[0]
		}
		return nil
	})
	if err != nil {
		return StockMovement{}, err
	}

	l.logger(ctx, "inventory.adjusted", map[string]any{
		"productId":    cmd.ProductID,
		"delta":        cmd.Delta,
		"movementType": string(movementType),
		"actorId":      cmd.ActorID,
	})
	return written, nil
}

func (l *inventoryLedger) Reconcile(ctx context.Context, productID int64) (StockReconciliation, error) {
	if productID <= 0 {
		return StockReconciliation{}, invalid("product_id", "product id must be positive")
	}
	product, err := l.products.FindByID(ctx, productID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return StockReconciliation{}, &NotFoundError{Resource: "product", Key: strconv.FormatInt(productID, 10)}
		}
		return StockReconciliation{}, persistenceError("inventory.find_product", err)
	}
	sum, err := l.movements.SumByProduct(ctx, productID)
	if err != nil {
		return StockReconciliation{}, persistenceError("inventory.sum_movements", err)
	}
	report := StockReconciliation{
		ProductID:     product.ID,
		Name:          product.Name,
		InitialStock:  product.InitialStock,
		MovementTotal: sum,
		StockQuantity: product.StockQuantity,
		Consistent:    int64(product.InitialStock)+sum == int64(product.StockQuantity),
	}
	if !report.Consistent {
		l.logger(ctx, "inventory.reconcile.mismatch", map[string]any{
			"productId":     productID,
			"initialStock":  product.InitialStock,
			"movementTotal": sum,
			"stockQuantity": product.StockQuantity,
		})
	}
	return report, nil
}

func (l *inventoryLedger) Movements(ctx context.Context, productID int64, limit int) ([]StockMovement, error) {
	if productID <= 0 {
		return nil, invalid("product_id", "product id must be positive")
	}
	switch {
	case limit <= 0:
		limit = defaultMovementListLimit
	case limit > maxMovementListLimit:
		limit = maxMovementListLimit
	}
	movements, err := l.movements.ListByProduct(ctx, productID, limit)
	if err != nil {
		return nil, persistenceError("inventory.list_movements", err)
	}
	return movements, nil
}

func (l *inventoryLedger) mapInventoryError(err error, locked map[int64]domain.Product, requested map[int64]*aggregatedLine) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		product := locked[invErr.ProductID]
		switch invErr.Code {
		case repositories.InventoryErrorNegativeStock:
			qty := 0
			if line, ok := requested[invErr.ProductID]; ok {
				qty = line.quantity
			}
			return &InsufficientStockError{
				ProductID: invErr.ProductID,
				Name:      product.Name,
				Available: product.StockQuantity,
				Requested: qty,
			}
		case repositories.InventoryErrorProductNotFound:
			return &NotFoundError{Resource: "product", Key: strconv.FormatInt(invErr.ProductID, 10)}
		}
	}
	return persistenceError("inventory.apply_movements", err)
}

func movementTypeOrDefault(t, fallback domain.MovementType) domain.MovementType {
	if strings.TrimSpace(string(t)) == "" {
		return fallback
	}
	return t
}
