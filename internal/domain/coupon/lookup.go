package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Preview is the restricted pre-checkout view of a coupon. It deliberately
// omits usage_limit and used_count so promo saturation levels cannot be
// scraped through the public endpoint.
type Preview struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	Description  string
	EndsAt       time.Time
}

// PublicLookup serves the public coupon preview. It applies the same
// active and expiry checks as the Validator but needs no order total or
// user identity.
type PublicLookup struct {
	store Store
	now   func() time.Time
}

// NewPublicLookup creates a PublicLookup backed by the given Store.
func NewPublicLookup(store Store) *PublicLookup {
	return &PublicLookup{store: store, now: time.Now}
}

// ByCode returns the preview for a currently usable coupon. Inactive,
// out-of-window, and exhausted coupons are reported with their sentinel
// errors so the handler can collapse them to 404.
func (l *PublicLookup) ByCode(ctx context.Context, code string) (*Preview, error) {
	c, err := l.store.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if err := CheckUsable(c, l.now()); err != nil {
		return nil, err
	}

	return &Preview{
		Code:         c.Code,
		DiscountType: c.DiscountType,
		Value:        c.Value,
		Description:  c.Description,
		EndsAt:       c.EndsAt,
	}, nil
}
