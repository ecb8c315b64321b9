package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-engine/internal/domain/auth"
	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

func TestCouponStore_FindByCode(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewCouponStore(pool)
	ctx := context.Background()

	limit := 100
	spec := activeCoupon("Save10", &limit)
	spec.perUserLimit = intPtr(2)
	id := seedCoupon(t, pool, spec)

	for _, code := range []string{"Save10", "SAVE10", "save10"} {
		c, err := store.FindByCode(ctx, code)
		require.NoError(t, err, "code %q", code)
		assert.Equal(t, id, c.ID)
		assert.Equal(t, coupon.DiscountPercentage, c.DiscountType)
		assert.True(t, decimal.NewFromInt(10).Equal(c.Value))
		require.NotNil(t, c.UsageLimit)
		assert.Equal(t, 100, *c.UsageLimit)
		require.NotNil(t, c.PerUserLimit)
		assert.Equal(t, 2, *c.PerUserLimit)
	}

	_, err := store.FindByCode(ctx, "MISSING")
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestCouponStore_FindByCodeIncludesInactive(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewCouponStore(pool)

	spec := activeCoupon("DISABLED", nil)
	spec.active = false
	seedCoupon(t, pool, spec)

	// Deactivated coupons must still be readable so the validator can
	// report CouponInactive rather than CouponNotFound.
	c, err := store.FindByCode(context.Background(), "DISABLED")
	require.NoError(t, err)
	assert.False(t, c.Active)
}

func consume(ctx context.Context, store *postgres.LedgerStore, couponID, userID, orderID string) (*ledger.Redemption, error) {
	return store.ConsumeSlot(ctx, ledger.Redemption{
		ID:             uuid.New().String(),
		CouponID:       couponID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: decimal.NewFromInt(5),
		CreatedAt:      time.Now(),
	})
}

func TestLedgerStore_ConsumeAndRelease(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewLedgerStore(pool)
	ctx := context.Background()

	couponID := seedCoupon(t, pool, activeCoupon("FLOW", intPtr(2)))

	rec, err := consume(ctx, store, couponID, "u1", "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsedCount)

	got, err := store.RedemptionByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, couponID, got.CouponID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 1, got.UsedCount)

	count, err := store.CountUserRedemptions(ctx, couponID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Same order again must not consume a second slot.
	_, err = consume(ctx, store, couponID, "u1", "order-1")
	require.ErrorIs(t, err, ledger.ErrDuplicateOrder)

	c, err := store.FindByID(ctx, couponID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)

	// Release returns the slot and removes the record.
	require.NoError(t, store.ReleaseSlot(ctx, "order-1"))

	c, err = store.FindByID(ctx, couponID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedCount)

	_, err = store.RedemptionByOrder(ctx, "order-1")
	require.ErrorIs(t, err, ledger.ErrRedemptionNotFound)

	require.ErrorIs(t, store.ReleaseSlot(ctx, "order-1"), ledger.ErrRedemptionNotFound)
}

func TestLedgerStore_ExhaustedAndMissing(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewLedgerStore(pool)
	ctx := context.Background()

	couponID := seedCoupon(t, pool, activeCoupon("LAST1", intPtr(1)))

	_, err := consume(ctx, store, couponID, "", "order-1")
	require.NoError(t, err)

	_, err = consume(ctx, store, couponID, "", "order-2")
	require.ErrorIs(t, err, coupon.ErrExhausted)

	_, err = consume(ctx, store, uuid.New().String(), "", "order-3")
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestLedgerStore_ConcurrentLastSlot(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewLedgerStore(pool)
	ctx := context.Background()

	const contenders = 10
	couponID := seedCoupon(t, pool, activeCoupon("RACE", intPtr(1)))

	results := make([]error, contenders)
	var g errgroup.Group
	for i := range contenders {
		g.Go(func() error {
			_, err := consume(ctx, store, couponID, "", fmt.Sprintf("order-%d", i))
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var won, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, coupon.ErrExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, exhausted)

	c, err := store.FindByID(ctx, couponID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)

	var rows int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM coupon_redemptions WHERE coupon_id = $1", couponID).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestLedgerStore_ConcurrentPerUserLimit(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewLedgerStore(pool)
	ctx := context.Background()

	const contenders = 10
	spec := activeCoupon("PERUSER", nil)
	spec.perUserLimit = intPtr(1)
	couponID := seedCoupon(t, pool, spec)

	results := make([]error, contenders)
	var g errgroup.Group
	for i := range contenders {
		g.Go(func() error {
			_, err := consume(ctx, store, couponID, "u1", fmt.Sprintf("order-%d", i))
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var won, limited int
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, coupon.ErrUserLimitExceeded):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, limited)

	count, err := store.CountUserRedemptions(ctx, couponID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Only the winner's increment survives; losers roll back.
	c, err := store.FindByID(ctx, couponID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
}

func TestLedgerStore_GuestRedemptionsNotCounted(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewLedgerStore(pool)
	ctx := context.Background()

	couponID := seedCoupon(t, pool, activeCoupon("GUEST", nil))

	_, err := consume(ctx, store, couponID, "", "order-1")
	require.NoError(t, err)
	_, err = consume(ctx, store, couponID, "", "order-2")
	require.NoError(t, err)

	// Guest redemptions store NULL user_id; they must not count against
	// any user, including the empty string.
	count, err := store.CountUserRedemptions(ctx, couponID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := store.RedemptionByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "", got.UserID)
}

func TestAPIKeyStore_FindByHash(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewAPIKeyStore(pool)
	ctx := context.Background()

	mac := hmac.New(sha256.New, []byte("pepper"))
	mac.Write([]byte("pipeline-key"))
	hash := hex.EncodeToString(mac.Sum(nil))

	_, err := pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, name, scopes, active) VALUES ($1, $2, $3, $4)`,
		hash, "order-pipeline", []string{"redemptions"}, true)
	require.NoError(t, err)

	info, err := store.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "order-pipeline", info.Name)
	assert.Equal(t, hash, info.KeyHash)
	assert.Contains(t, info.Scopes, "redemptions")

	_, err = store.FindByHash(ctx, "deadbeef")
	require.ErrorIs(t, err, auth.ErrKeyNotFound)

	// Deactivated keys must not authenticate.
	_, err = pool.Exec(ctx, `UPDATE api_keys SET active = FALSE WHERE key_hash = $1`, hash)
	require.NoError(t, err)
	_, err = store.FindByHash(ctx, hash)
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}
