package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ValidateRequest holds the caller context for an eligibility check.
// UserID is empty for guest checkouts, in which case per-user limits are
// deferred to redemption time.
type ValidateRequest struct {
	Code       string
	OrderTotal decimal.Decimal
	UserID     string
}

// Validator performs the read-only eligibility check for a coupon code.
// It never writes: it is safe to call on every cart recomputation.
type Validator struct {
	store Store
	now   func() time.Time
}

// NewValidator creates a Validator backed by the given Store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// Validate normalizes the code, looks up the coupon, and checks the active
// flag, validity window, global usage limit, and per-user redemption count.
// Each failure mode has its own sentinel error so callers can map them to
// distinct response kinds.
func (v *Validator) Validate(ctx context.Context, req ValidateRequest) (*EligibleCoupon, error) {
	if req.OrderTotal.IsNegative() {
		return nil, ErrInvalidOrderTotal
	}

	c, err := v.store.FindByCode(ctx, NormalizeCode(req.Code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if err := CheckUsable(c, v.now()); err != nil {
		return nil, err
	}

	if req.UserID != "" && c.PerUserLimit != nil {
		count, err := v.store.CountUserRedemptions(ctx, c.ID, req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "count user redemptions")
		}
		if count >= *c.PerUserLimit {
			return nil, ErrUserLimitExceeded
		}
	}

	return &EligibleCoupon{
		ID:           c.ID,
		Code:         c.Code,
		DiscountType: c.DiscountType,
		Value:        c.Value,
		Description:  c.Description,
	}, nil
}

// CheckUsable maps a coupon's derived status at the given instant to the
// corresponding sentinel error, or nil when the coupon is currently usable.
// The redemption ledger reuses this to re-validate immediately before the
// atomic consume, since eligibility can lapse between cart validation and
// order confirmation.
func CheckUsable(c *Coupon, now time.Time) error {
	switch c.StatusAt(now) {
	case StatusDeactivated:
		return ErrInactive
	case StatusScheduled, StatusExpired:
		return ErrExpired
	case StatusExhausted:
		return ErrExhausted
	default:
		return nil
	}
}
