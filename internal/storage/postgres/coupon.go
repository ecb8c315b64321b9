package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-engine/internal/domain/coupon"
)

const (
	findCouponByCodeSQL = `SELECT id, code, discount_type, discount_value, description,
		starts_at, ends_at, usage_limit, per_user_limit, used_count, active, created_at
		FROM coupons WHERE UPPER(code) = UPPER($1)`

	findCouponByIDSQL = `SELECT id, code, discount_type, discount_value, description,
		starts_at, ends_at, usage_limit, per_user_limit, used_count, active, created_at
		FROM coupons WHERE id = $1`

	countUserRedemptionsSQL = `SELECT COUNT(*) FROM coupon_redemptions
		WHERE coupon_id = $1 AND user_id = $2`
)

var _ coupon.Store = (*CouponStore)(nil)

// CouponStore implements coupon.Store backed by PostgreSQL. It only reads;
// every usage-count mutation goes through LedgerStore.
type CouponStore struct {
	pool *pgxpool.Pool
}

// NewCouponStore returns a CouponStore that uses the given pool.
func NewCouponStore(pool *pgxpool.Pool) *CouponStore {
	return &CouponStore{pool: pool}
}

// FindByCode looks up a coupon by its code, case-insensitively, regardless
// of the active flag. Returns coupon.ErrNotFound when absent.
func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, findCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// CountUserRedemptions returns the number of live redemption records for
// the (couponID, userID) pair.
func (s *CouponStore) CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, countUserRedemptionsSQL, couponID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting redemptions for coupon %q: %w", couponID, err)
	}
	return count, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		usageLimit   *int32
		perUserLimit *int32
		usedCount    int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &c.Description,
		&c.StartsAt, &c.EndsAt, &usageLimit, &perUserLimit, &usedCount,
		&c.Active, &c.CreatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.UsedCount = int(usedCount)
	if usageLimit != nil {
		v := int(*usageLimit)
		c.UsageLimit = &v
	}
	if perUserLimit != nil {
		v := int(*perUserLimit)
		c.PerUserLimit = &v
	}
	return c, err
}
