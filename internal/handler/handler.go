// Package handler exposes the promo engine over HTTP: the public
// validate/preview endpoints and the API-key-protected internal redemption
// surface used by the order pipeline.
package handler

import (
	"context"
	"net/http"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
)

// CouponValidator is the read-only eligibility check.
type CouponValidator interface {
	Validate(ctx context.Context, req coupon.ValidateRequest) (*coupon.EligibleCoupon, error)
}

// CouponPreviewer serves the restricted public coupon view.
type CouponPreviewer interface {
	ByCode(ctx context.Context, code string) (*coupon.Preview, error)
}

// RedemptionLedger is the internal redeem/reverse surface.
type RedemptionLedger interface {
	Redeem(ctx context.Context, req ledger.RedeemRequest) (*ledger.RedeemResult, error)
	Reverse(ctx context.Context, orderID string) error
}

// Handler holds the domain dependencies for all HTTP endpoints.
type Handler struct {
	validator CouponValidator
	preview   CouponPreviewer
	ledger    RedemptionLedger
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(validator CouponValidator, preview CouponPreviewer, ledger RedemptionLedger) *Handler {
	return &Handler{
		validator: validator,
		preview:   preview,
		ledger:    ledger,
	}
}

// Register mounts all routes on the mux. The internal redemption routes are
// wrapped with the security handler; the public coupon routes are not.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	mux.HandleFunc("POST /api/coupons/validate", h.ValidateCoupon)
	mux.HandleFunc("GET /api/coupons", h.PreviewCoupon)

	mux.Handle("POST /api/internal/redemptions", sec.Protect(http.HandlerFunc(h.Redeem)))
	mux.Handle("DELETE /api/internal/redemptions/{orderID}", sec.Protect(http.HandlerFunc(h.Reverse)))
}
