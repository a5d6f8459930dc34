package postgres

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

const orderColumns = `id, order_number, user_id, customer_name, customer_email, customer_phone,
	shipping_address, subtotal, tax, shipping_cost, discount, total_amount, status, payment_status,
	payment_method, tracking_number, carrier, notes, coupon_code, ip_address, user_agent,
	created_at, updated_at, shipped_at, delivered_at`

// OrderRepository persists orders and their line items.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// ExistsByNumber reports whether an order already uses the number.
func (r *OrderRepository) ExistsByNumber(ctx context.Context, orderNumber string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`

	var exists bool
	if err := pg.Conn(ctx, r.db).QueryRowContext(ctx, query, orderNumber).Scan(&exists); err != nil {
		return false, pg.WrapError("orders.exists", err)
	}
	return exists, nil
}

// Insert writes the header followed by each item.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const insertOrder = `INSERT INTO orders (
			order_number, user_id, customer_name, customer_email, customer_phone, shipping_address,
			subtotal, tax, shipping_cost, discount, total_amount, status, payment_status, payment_method,
			notes, coupon_code, ip_address, user_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
		RETURNING id`
	const insertItem = `INSERT INTO order_items
			(order_id, product_id, product_name, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	conn := pg.Conn(ctx, r.db)
	err := conn.QueryRowContext(ctx, insertOrder,
		order.OrderNumber,
		nullString(order.UserID),
		order.Customer.Name,
		order.Customer.Email,
		order.Customer.Phone,
		order.ShippingAddress,
		order.Subtotal,
		order.Tax,
		order.ShippingCost,
		order.Discount,
		order.TotalAmount,
		string(order.Status),
		string(order.PaymentStatus),
		order.PaymentMethod,
		order.Notes,
		nullString(order.CouponCode),
		order.IPAddress,
		order.UserAgent,
		order.CreatedAt,
	).Scan(&order.ID)
	if err != nil {
		return domain.Order{}, pg.WrapError("orders.insert", err)
	}
	order.UpdatedAt = order.CreatedAt

	items := make([]domain.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		item.OrderID = order.ID
		if err := conn.QueryRowContext(ctx, insertItem,
			item.OrderID,
			item.ProductID,
			item.ProductName,
			item.Quantity,
			item.UnitPrice,
			item.LineTotal,
		).Scan(&item.ID); err != nil {
			return domain.Order{}, pg.WrapError("order_items.insert", err)
		}
		items = append(items, item)
	}
	order.Items = items
	return order, nil
}

// LockedReadByNumber loads the header with FOR UPDATE.
func (r *OrderRepository) LockedReadByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1 FOR UPDATE`

	order, err := scanOrder(pg.Conn(ctx, r.db).QueryRowContext(ctx, query, orderNumber))
	if err != nil {
		return domain.Order{}, pg.WrapError("orders.locked_read", err)
	}
	return order, nil
}

// UpdateStatus writes the new status. COALESCE keeps the first shipped and
// delivered timestamps and leaves unset optional fields untouched.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update domain.OrderStatusUpdate) (int64, error) {
	const query = `UPDATE orders SET
			status = $2,
			shipping_address = COALESCE($3::text, shipping_address),
			tracking_number = COALESCE($4::text, tracking_number),
			carrier = COALESCE($5::text, carrier),
			shipped_at = COALESCE(shipped_at, $6::timestamptz),
			delivered_at = COALESCE(delivered_at, $7::timestamptz),
			updated_at = $8
		WHERE id = $1`

	res, err := pg.Conn(ctx, r.db).ExecContext(ctx, query,
		update.OrderID,
		string(update.Status),
		update.ShippingAddress,
		update.TrackingNumber,
		update.Carrier,
		update.ShippedAt,
		update.DeliveredAt,
		update.UpdatedAt,
	)
	if err != nil {
		return 0, pg.WrapError("orders.update_status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, pg.WrapError("orders.update_status", err)
	}
	return affected, nil
}

// FindByNumber loads the header and items without locking.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`
	const itemsQuery = `SELECT id, order_id, product_id, product_name, quantity, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY id`

	conn := pg.Conn(ctx, r.db)
	order, err := scanOrder(conn.QueryRowContext(ctx, query, orderNumber))
	if err != nil {
		return domain.Order{}, pg.WrapError("orders.find", err)
	}

	rows, err := conn.QueryContext(ctx, itemsQuery, order.ID)
	if err != nil {
		return domain.Order{}, pg.WrapError("order_items.list", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return domain.Order{}, pg.WrapError("order_items.list", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, pg.WrapError("order_items.list", err)
	}
	return order, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                             domain.Order
		userID, tracking, carrier, coupon sql.NullString
		status, paymentStatus             string
		shippedAt, deliveredAt            sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&userID,
		&order.Customer.Name,
		&order.Customer.Email,
		&order.Customer.Phone,
		&order.ShippingAddress,
		&order.Subtotal,
		&order.Tax,
		&order.ShippingCost,
		&order.Discount,
		&order.TotalAmount,
		&status,
		&paymentStatus,
		&order.PaymentMethod,
		&tracking,
		&carrier,
		&order.Notes,
		&coupon,
		&order.IPAddress,
		&order.UserAgent,
		&order.CreatedAt,
		&order.UpdatedAt,
		&shippedAt,
		&deliveredAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.UserID = userID.String
	order.TrackingNumber = tracking.String
	order.Carrier = carrier.String
	order.CouponCode = coupon.String
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.ShippedAt = timePtr(shippedAt)
	order.DeliveredAt = timePtr(deliveredAt)
	return order, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
