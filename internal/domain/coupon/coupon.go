// Package coupon implements the read side of the promo engine: coupon
// records, eligibility validation, discount calculation, and the restricted
// public preview. All writes to usage state live in the ledger package.
package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the order total.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the order total.
	DiscountFixed DiscountType = "fixed"
)

var (
	// ErrNotFound is returned when no coupon exists for a code.
	ErrNotFound = errors.New("coupon not found")
	// ErrInactive is returned when a coupon has been deactivated by an admin.
	ErrInactive = errors.New("coupon inactive")
	// ErrExpired is returned when the current time is outside the coupon's
	// validity window, on either side.
	ErrExpired = errors.New("coupon expired")
	// ErrExhausted is returned when a coupon's global usage limit has been
	// consumed. Losing the atomic consume race also surfaces this error.
	ErrExhausted = errors.New("coupon exhausted")
	// ErrUserLimitExceeded is returned when the caller has already redeemed
	// the coupon per_user_limit times.
	ErrUserLimitExceeded = errors.New("coupon per-user limit exceeded")
	// ErrInvalidOrderTotal is returned when the order total is negative.
	ErrInvalidOrderTotal = errors.New("invalid order total")
)

// Status is the derived lifecycle state of a coupon. Expired and Exhausted
// are computed at read time from ends_at and used_count; only Deactivated
// is stored explicitly (the active flag).
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusExhausted   Status = "exhausted"
	StatusDeactivated Status = "deactivated"
)

// Coupon is a promotional code granting a bounded discount under time and
// usage constraints. Code is normalized to uppercase and immutable once
// created; UsedCount is mutated only by the redemption ledger.
type Coupon struct {
	ID           string
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	Description  string
	StartsAt     time.Time
	EndsAt       time.Time
	UsageLimit   *int // nil means unlimited global redemptions
	PerUserLimit *int // nil means unlimited per-user redemptions
	UsedCount    int
	Active       bool
	CreatedAt    time.Time
}

// StatusAt derives the coupon's lifecycle state at the given instant.
// Deactivated wins over the derived states so that an admin kill-switch
// is always visible as such.
func (c *Coupon) StatusAt(now time.Time) Status {
	switch {
	case !c.Active:
		return StatusDeactivated
	case now.Before(c.StartsAt):
		return StatusScheduled
	case now.After(c.EndsAt):
		return StatusExpired
	case c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit:
		return StatusExhausted
	default:
		return StatusActive
	}
}

// NormalizeCode trims surrounding whitespace and uppercases a raw coupon
// code. Lookups and comparisons always operate on the normalized form.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// EligibleCoupon is the result of a successful validation: the subset of
// coupon fields a caller needs to compute and display a discount.
type EligibleCoupon struct {
	ID           string
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	Description  string
}

// Store provides read access to coupon records and redemption counts.
// Implementations must not expose any mutation here; the ledger owns writes.
type Store interface {
	// FindByCode returns the coupon with the given normalized code,
	// regardless of its active flag. Returns ErrNotFound when absent.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// CountUserRedemptions returns the number of live redemption records
	// for the (couponID, userID) pair.
	CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error)
}
