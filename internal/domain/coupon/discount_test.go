package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func eligible(dt DiscountType, value string) *EligibleCoupon {
	return &EligibleCoupon{
		ID:           "c1",
		Code:         "TEST",
		DiscountType: dt,
		Value:        d(value),
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		coupon     *EligibleCoupon
		orderTotal decimal.Decimal
		wantAmount decimal.Decimal
		wantFinal  decimal.Decimal
		wantErr    error
	}{
		{
			name:       "percentage 10% off 250.00",
			coupon:     eligible(DiscountPercentage, "10"),
			orderTotal: d("250.00"),
			wantAmount: d("25.00"),
			wantFinal:  d("225.00"),
		},
		{
			name:       "percentage 100% off equals total",
			coupon:     eligible(DiscountPercentage, "100"),
			orderTotal: d("42.50"),
			wantAmount: d("42.50"),
			wantFinal:  d("0"),
		},
		{
			name:       "percentage rounds half-up to 2 places",
			coupon:     eligible(DiscountPercentage, "10"),
			orderTotal: d("0.05"),
			wantAmount: d("0.01"),
			wantFinal:  d("0.04"),
		},
		{
			name:       "percentage of odd total rounds once",
			coupon:     eligible(DiscountPercentage, "15"),
			orderTotal: d("33.33"),
			wantAmount: d("5.00"),
			wantFinal:  d("28.33"),
		},
		{
			name:       "fixed below total",
			coupon:     eligible(DiscountFixed, "9"),
			orderTotal: d("100.00"),
			wantAmount: d("9.00"),
			wantFinal:  d("91.00"),
		},
		{
			name:       "fixed 500 clamped to 300.00 total",
			coupon:     eligible(DiscountFixed, "500"),
			orderTotal: d("300.00"),
			wantAmount: d("300.00"),
			wantFinal:  d("0.00"),
		},
		{
			name:       "fixed on zero total",
			coupon:     eligible(DiscountFixed, "5"),
			orderTotal: d("0"),
			wantAmount: d("0"),
			wantFinal:  d("0"),
		},
		{
			name:       "negative total rejected",
			coupon:     eligible(DiscountFixed, "5"),
			orderTotal: d("-1"),
			wantErr:    ErrInvalidOrderTotal,
		},
		{
			name:       "unknown discount type rejected",
			coupon:     eligible(DiscountType("bogus"), "5"),
			orderTotal: d("10"),
			wantErr:    nil, // checked via error text below
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.coupon, tt.orderTotal)

			if tt.coupon.DiscountType == DiscountType("bogus") {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported discount type")
				return
			}
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.True(t, tt.wantAmount.Equal(got.DiscountAmount),
				"expected amount %s, got %s", tt.wantAmount, got.DiscountAmount)
			assert.True(t, tt.wantFinal.Equal(got.FinalTotal),
				"expected final %s, got %s", tt.wantFinal, got.FinalTotal)
			assert.True(t, tt.orderTotal.Equal(got.OriginalTotal))
		})
	}
}

func TestCalculateBounds(t *testing.T) {
	// Discount is always within [0, total] and final total is never negative.
	totals := []string{"0", "0.01", "1", "99.99", "1000000"}
	coupons := []*EligibleCoupon{
		eligible(DiscountPercentage, "0.5"),
		eligible(DiscountPercentage, "50"),
		eligible(DiscountPercentage, "100"),
		eligible(DiscountFixed, "0.01"),
		eligible(DiscountFixed, "500"),
	}

	for _, total := range totals {
		for _, c := range coupons {
			got, err := Calculate(c, d(total))
			require.NoError(t, err)

			assert.False(t, got.DiscountAmount.IsNegative())
			assert.False(t, got.DiscountAmount.GreaterThan(d(total)))
			assert.False(t, got.FinalTotal.IsNegative())
		}
	}
}

func TestCalculateDeterministic(t *testing.T) {
	c := eligible(DiscountPercentage, "17.5")
	total := d("123.45")

	first, err := Calculate(c, total)
	require.NoError(t, err)

	// Repeated recomputation during a session must not drift.
	for range 10 {
		got, err := Calculate(c, total)
		require.NoError(t, err)
		assert.True(t, first.DiscountAmount.Equal(got.DiscountAmount))
		assert.True(t, first.FinalTotal.Equal(got.FinalTotal))
	}
}
