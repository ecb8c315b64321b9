package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote is the computed discount for an order total. DiscountAmount is
// always within [0, original total] and FinalTotal is never negative.
type Quote struct {
	DiscountAmount decimal.Decimal
	OriginalTotal  decimal.Decimal
	FinalTotal     decimal.Decimal
}

// Calculate computes the discount an eligible coupon grants on the given
// order total. Pure and deterministic: no I/O, no clock, and rounding
// (half-up to 2 decimal places) is applied exactly once so repeated
// recomputation during a session cannot drift by pennies.
func Calculate(c *EligibleCoupon, orderTotal decimal.Decimal) (Quote, error) {
	if orderTotal.IsNegative() {
		return Quote{}, ErrInvalidOrderTotal
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = orderTotal.Mul(c.Value).Div(hundred).Round(2)
	case DiscountFixed:
		amount = decimal.Min(c.Value, orderTotal).Round(2)
	default:
		return Quote{}, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	amount = clamp(amount, orderTotal)

	return Quote{
		DiscountAmount: amount,
		OriginalTotal:  orderTotal,
		FinalTotal:     orderTotal.Sub(amount),
	}, nil
}

// clamp bounds the discount to [0, total].
func clamp(amount, total decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(total) {
		return total
	}
	return amount
}
