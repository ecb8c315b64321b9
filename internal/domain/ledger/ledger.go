// Package ledger implements the redemption ledger: the single component
// allowed to consume and release coupon usage slots. Consuming a slot is a
// storage-level conditional update, never an application-side read-check-write,
// so concurrent checkouts contending for the last slot cannot over-grant.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/promo-engine/internal/domain/coupon"
)

var (
	// ErrRedemptionNotFound is returned by Reverse when no redemption
	// exists for the order.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrDuplicateOrder is returned by Store.ConsumeSlot when another
	// request already recorded a redemption for the same order. The ledger
	// resolves it by replaying the stored result.
	ErrDuplicateOrder = errors.New("duplicate order redemption")
)

// Redemption is one consumed usage slot, tied to exactly one order.
// UsedCount snapshots the coupon counter immediately after the consume so
// idempotent retries can replay the original result unchanged.
type Redemption struct {
	ID             string
	CouponID       string
	UserID         string // empty for guest checkout
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedCount      int
	CreatedAt      time.Time
}

// Store is the persistence contract for the ledger. ConsumeSlot and
// ReleaseSlot carry the atomicity requirements; everything else is a read.
type Store interface {
	// FindByID returns a coupon by id. Returns coupon.ErrNotFound when absent.
	FindByID(ctx context.Context, id string) (*coupon.Coupon, error)
	// CountUserRedemptions returns the number of live redemptions for the
	// (couponID, userID) pair.
	CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error)
	// RedemptionByOrder returns the redemption recorded for an order.
	// Returns ErrRedemptionNotFound when absent.
	RedemptionByOrder(ctx context.Context, orderID string) (*Redemption, error)
	// ConsumeSlot atomically increments the coupon's used_count, conditioned
	// on usage_limit being null or not yet reached, enforces per_user_limit
	// against the live redemption count, and appends the redemption record
	// in the same storage operation. Returns coupon.ErrExhausted or
	// coupon.ErrUserLimitExceeded when a limit check fails (no write
	// happens) and ErrDuplicateOrder when the order already holds a
	// redemption.
	ConsumeSlot(ctx context.Context, r Redemption) (*Redemption, error)
	// ReleaseSlot deletes the redemption for the order and decrements the
	// coupon's used_count by one, atomically. Returns ErrRedemptionNotFound
	// when no redemption exists for the order.
	ReleaseSlot(ctx context.Context, orderID string) error
}

// RedeemRequest identifies one redemption attempt. OrderID is the
// idempotency key: retried confirmations with the same OrderID consume at
// most one slot.
type RedeemRequest struct {
	CouponID       string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
}

// RedeemResult reports the outcome of a redemption. Replayed is true when
// the request matched an already-recorded redemption and no slot was
// consumed.
type RedeemResult struct {
	DiscountAmount decimal.Decimal
	UsedCount      int
	Replayed       bool
}

// Ledger coordinates redemption and reversal against a Store. It re-checks
// eligibility at confirmation time and delegates the actual check-and-increment
// to the store's conditional update.
type Ledger struct {
	store Store
	now   func() time.Time

	tracer    trace.Tracer
	redeemed  metric.Int64Counter
	reversals metric.Int64Counter
}

// New creates a Ledger. Telemetry providers default to the global otel
// providers when nil.
func New(store Store, tp trace.TracerProvider, mp metric.MeterProvider) (*Ledger, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter("promo-engine/ledger")
	redeemed, err := meter.Int64Counter("coupon.redemptions",
		metric.WithDescription("Number of successful coupon redemptions"))
	if err != nil {
		return nil, errors.Wrap(err, "create redemptions counter")
	}
	reversals, err := meter.Int64Counter("coupon.reversals",
		metric.WithDescription("Number of compensating redemption reversals"))
	if err != nil {
		return nil, errors.Wrap(err, "create reversals counter")
	}

	return &Ledger{
		store:     store,
		now:       time.Now,
		tracer:    tp.Tracer("promo-engine/ledger"),
		redeemed:  redeemed,
		reversals: reversals,
	}, nil
}

// Redeem consumes one usage slot for the coupon, exactly once per order.
//
// Sequence: idempotency check by order id, re-validation of eligibility
// against current state (a coupon can expire or exhaust between cart
// validation and confirmation), then the atomic conditional consume.
// Losing the consume race returns coupon.ErrExhausted; losing an
// idempotency race returns the winner's recorded result.
func (l *Ledger) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Redeem",
		trace.WithAttributes(attribute.String("coupon.id", req.CouponID)))
	defer span.End()

	if req.CouponID == "" || req.OrderID == "" {
		return nil, errors.New("coupon id and order id are required")
	}
	if req.DiscountAmount.IsNegative() {
		return nil, coupon.ErrInvalidOrderTotal
	}

	// Idempotency: confirmation handlers retry on network errors and
	// webhook redelivery. A recorded order replays its original result.
	existing, err := l.store.RedemptionByOrder(ctx, req.OrderID)
	switch {
	case err == nil:
		return replay(existing), nil
	case !errors.Is(err, ErrRedemptionNotFound):
		return nil, errors.Wrap(err, "lookup redemption")
	}

	c, err := l.store.FindByID(ctx, req.CouponID)
	if err != nil {
		if errors.Is(err, coupon.ErrNotFound) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	// Re-validate against current state. The exhausted branch here is
	// advisory only; the consume below is the authoritative check.
	if err := coupon.CheckUsable(c, l.now()); err != nil {
		return nil, err
	}

	// Advisory fast path. The authoritative per-user check runs inside
	// ConsumeSlot, serialized with the slot consume, so two concurrent
	// orders by the same user cannot both pass on a stale count.
	if req.UserID != "" && c.PerUserLimit != nil {
		count, err := l.store.CountUserRedemptions(ctx, c.ID, req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "count user redemptions")
		}
		if count >= *c.PerUserLimit {
			return nil, coupon.ErrUserLimitExceeded
		}
	}

	rec, err := l.store.ConsumeSlot(ctx, Redemption{
		ID:             uuid.New().String(),
		CouponID:       req.CouponID,
		UserID:         req.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: req.DiscountAmount,
		CreatedAt:      l.now(),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			// Lost an idempotency race: another retry recorded the
			// redemption between our lookup and consume.
			winner, rerr := l.store.RedemptionByOrder(ctx, req.OrderID)
			if rerr != nil {
				return nil, errors.Wrap(rerr, "reread redemption after duplicate")
			}
			return replay(winner), nil
		}
		if errors.Is(err, coupon.ErrExhausted) {
			return nil, coupon.ErrExhausted
		}
		if errors.Is(err, coupon.ErrUserLimitExceeded) {
			return nil, coupon.ErrUserLimitExceeded
		}
		return nil, errors.Wrap(err, "consume slot")
	}

	l.redeemed.Add(ctx, 1)

	return &RedeemResult{
		DiscountAmount: rec.DiscountAmount,
		UsedCount:      rec.UsedCount,
	}, nil
}

// Reverse is the compensating action for a failed order: it removes the
// redemption record and returns the usage slot. It is not a distributed
// transaction; the order pipeline invokes it after payment decline or
// cancellation. Reversing an unknown order returns ErrRedemptionNotFound.
func (l *Ledger) Reverse(ctx context.Context, orderID string) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.Reverse")
	defer span.End()

	if orderID == "" {
		return errors.New("order id is required")
	}

	if err := l.store.ReleaseSlot(ctx, orderID); err != nil {
		if errors.Is(err, ErrRedemptionNotFound) {
			return ErrRedemptionNotFound
		}
		return errors.Wrap(err, "release slot")
	}

	l.reversals.Add(ctx, 1)
	return nil
}

func replay(r *Redemption) *RedeemResult {
	return &RedeemResult{
		DiscountAmount: r.DiscountAmount,
		UsedCount:      r.UsedCount,
		Replayed:       true,
	}
}
