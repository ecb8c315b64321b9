package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
)

const (
	// The WHERE clause is the whole point: the usage-limit check and the
	// increment are one conditional update, so N concurrent consumers of
	// the last slot produce exactly one affected row.
	consumeSlotSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING used_count, per_user_limit`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions
		(id, coupon_id, user_id, order_id, discount_amount, used_count, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`

	redemptionByOrderSQL = `SELECT id, coupon_id, COALESCE(user_id, ''), order_id,
		discount_amount, used_count, created_at
		FROM coupon_redemptions WHERE order_id = $1`

	deleteRedemptionSQL = `DELETE FROM coupon_redemptions WHERE order_id = $1
		RETURNING coupon_id`

	releaseSlotSQL = `UPDATE coupons SET used_count = used_count - 1
		WHERE id = $1 AND used_count > 0`
)

// uniqueViolation is the PostgreSQL error code raised when the order_id
// unique constraint rejects a concurrent duplicate redemption.
const uniqueViolation = "23505"

var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore implements ledger.Store backed by PostgreSQL.
type LedgerStore struct {
	pool    *pgxpool.Pool
	coupons *CouponStore
}

// NewLedgerStore returns a LedgerStore that uses the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, coupons: NewCouponStore(pool)}
}

// FindByID returns the coupon with the given id.
// Returns coupon.ErrNotFound when absent.
func (s *LedgerStore) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, findCouponByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", id, err)
	}
	return &c, nil
}

// CountUserRedemptions delegates to the coupon store's query.
func (s *LedgerStore) CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error) {
	return s.coupons.CountUserRedemptions(ctx, couponID, userID)
}

// RedemptionByOrder returns the redemption recorded for the order.
// Returns ledger.ErrRedemptionNotFound when absent.
func (s *LedgerStore) RedemptionByOrder(ctx context.Context, orderID string) (*ledger.Redemption, error) {
	var r ledger.Redemption
	err := s.pool.QueryRow(ctx, redemptionByOrderSQL, orderID).Scan(
		&r.ID, &r.CouponID, &r.UserID, &r.OrderID,
		&r.DiscountAmount, &r.UsedCount, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("finding redemption for order %q: %w", orderID, err)
	}
	return &r, nil
}

// ConsumeSlot performs the conditional increment, the per-user limit check,
// and the redemption insert in one transaction. When the conditional update
// affects no row the slot is exhausted (or the coupon is gone) and nothing
// is written. The update locks the coupon row, so concurrent same-coupon
// consumers serialize on it and the per-user count below observes every
// committed redemption. A unique violation on order_id rolls the increment
// back and reports a duplicate, which the ledger resolves by replaying the
// winner's record.
func (s *LedgerStore) ConsumeSlot(ctx context.Context, r ledger.Redemption) (*ledger.Redemption, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		usedCount    int32
		perUserLimit *int32
	)
	err = tx.QueryRow(ctx, consumeSlotSQL, r.CouponID).Scan(&usedCount, &perUserLimit)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("consuming slot for coupon %q: %w", r.CouponID, err)
		}
		// Distinguish a missing coupon from an exhausted one.
		var exists bool
		if err := tx.QueryRow(ctx, couponExistsSQL, r.CouponID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking coupon %q: %w", r.CouponID, err)
		}
		if !exists {
			return nil, coupon.ErrNotFound
		}
		return nil, coupon.ErrExhausted
	}

	if r.UserID != "" && perUserLimit != nil {
		var count int32
		if err := tx.QueryRow(ctx, countUserRedemptionsSQL, r.CouponID, r.UserID).Scan(&count); err != nil {
			return nil, fmt.Errorf("counting redemptions for coupon %q: %w", r.CouponID, err)
		}
		if count >= *perUserLimit {
			return nil, coupon.ErrUserLimitExceeded
		}
	}

	r.UsedCount = int(usedCount)

	_, err = tx.Exec(ctx, insertRedemptionSQL,
		r.ID, r.CouponID, r.UserID, r.OrderID, r.DiscountAmount, r.UsedCount, r.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ledger.ErrDuplicateOrder
		}
		return nil, fmt.Errorf("inserting redemption for order %q: %w", r.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume tx: %w", err)
	}
	return &r, nil
}

// ReleaseSlot deletes the order's redemption and returns its usage slot in
// one transaction. The decrement is guarded by used_count > 0 so a counter
// drifted by manual intervention can never go negative.
func (s *LedgerStore) ReleaseSlot(ctx context.Context, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var couponID string
	err = tx.QueryRow(ctx, deleteRedemptionSQL, orderID).Scan(&couponID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrRedemptionNotFound
		}
		return fmt.Errorf("deleting redemption for order %q: %w", orderID, err)
	}

	if _, err := tx.Exec(ctx, releaseSlotSQL, couponID); err != nil {
		return fmt.Errorf("releasing slot for coupon %q: %w", couponID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit release tx: %w", err)
	}
	return nil
}
