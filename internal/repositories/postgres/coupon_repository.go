package postgres

import (
	"context"
	"database/sql"

	domain "github.com/hanko-field/checkout/internal/domain"
	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/repositories"
)

// CouponRepository reads coupons under lock and records redemptions.
type CouponRepository struct {
	db *sql.DB
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// LockedRead loads the coupon with FOR UPDATE so concurrent redemptions serialise on the row.
// Codes match case-insensitively through the coupons_code_upper index.
func (r *CouponRepository) LockedRead(ctx context.Context, code string) (domain.Coupon, error) {
	const query = `SELECT id, code, discount_type, discount_value, min_order_amount, usage_limit, used_count, active, expires_at
		FROM coupons
		WHERE UPPER(code) = UPPER($1)
		FOR UPDATE`

	var (
		coupon       domain.Coupon
		discountType string
		usageLimit   sql.NullInt64
		expiresAt    sql.NullTime
	)
	err := pg.Conn(ctx, r.db).QueryRowContext(ctx, query, code).Scan(
		&coupon.ID,
		&coupon.Code,
		&discountType,
		&coupon.DiscountValue,
		&coupon.MinOrderAmount,
		&usageLimit,
		&coupon.UsedCount,
		&coupon.Active,
		&expiresAt,
	)
	if err != nil {
		return domain.Coupon{}, pg.WrapError("coupons.locked_read", err)
	}
	coupon.DiscountType = domain.DiscountType(discountType)
	if usageLimit.Valid {
		limit := int(usageLimit.Int64)
		coupon.UsageLimit = &limit
	}
	coupon.ExpiresAt = timePtr(expiresAt)
	return coupon, nil
}

// RecordUsage bumps used_count and inserts the usage row.
func (r *CouponRepository) RecordUsage(ctx context.Context, usage domain.CouponUsage) error {
	const increment = `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`
	const insertUsage = `INSERT INTO coupon_usages
			(coupon_id, coupon_code, order_id, user_id, discount_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	conn := pg.Conn(ctx, r.db)
	res, err := conn.ExecContext(ctx, increment, usage.CouponID)
	if err != nil {
		return pg.WrapError("coupons.increment", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return pg.WrapError("coupons.increment", sql.ErrNoRows)
	}
	if _, err := conn.ExecContext(ctx, insertUsage,
		usage.CouponID,
		usage.CouponCode,
		usage.OrderID,
		nullString(usage.UserID),
		usage.DiscountAmount,
		usage.CreatedAt,
	); err != nil {
		return pg.WrapError("coupon_usages.insert", err)
	}
	return nil
}
