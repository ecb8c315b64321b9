package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
)

// Machine-readable error kinds returned in the errorKind response field.
const (
	kindNotFound           = "CouponNotFound"
	kindInactive           = "CouponInactive"
	kindExpired            = "CouponExpired"
	kindExhausted          = "CouponExhausted"
	kindUserLimitExceeded  = "CouponUserLimitExceeded"
	kindInvalidOrderTotal  = "InvalidOrderTotal"
	kindRedemptionConflict = "RedemptionConflict"
	kindRedemptionNotFound = "RedemptionNotFound"
	kindBadRequest         = "BadRequest"
	kindInternal           = "InternalError"
)

// writeJSON encodes a response body with the given jx encoder callback.
func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := &jx.Encoder{}
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the error envelope `{errorKind, message}`.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("errorKind", func(e *jx.Encoder) { e.Str(kind) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

// writeValidationError maps validation-time domain errors to 4xx responses.
// Unknown errors are logged and hidden behind a 500: validation failures are
// recoverable for the checkout, storage failures are not.
func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, "coupon not found")
	case errors.Is(err, coupon.ErrInactive):
		writeError(w, http.StatusNotFound, kindInactive, "coupon is no longer active")
	case errors.Is(err, coupon.ErrExpired):
		writeError(w, http.StatusUnprocessableEntity, kindExpired, "coupon is outside its validity window")
	case errors.Is(err, coupon.ErrExhausted):
		writeError(w, http.StatusConflict, kindExhausted, "coupon usage limit reached")
	case errors.Is(err, coupon.ErrUserLimitExceeded):
		writeError(w, http.StatusConflict, kindUserLimitExceeded, "per-user redemption limit reached")
	case errors.Is(err, coupon.ErrInvalidOrderTotal):
		writeError(w, http.StatusBadRequest, kindInvalidOrderTotal, "order total must be a non-negative amount")
	default:
		zctx.From(r.Context()).Error("coupon validation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

// writePreviewError collapses every non-usable state to a plain 404 on the
// public preview endpoint, so callers cannot distinguish missing codes from
// deactivated or exhausted ones.
func writePreviewError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coupon.ErrNotFound),
		errors.Is(err, coupon.ErrInactive),
		errors.Is(err, coupon.ErrExpired),
		errors.Is(err, coupon.ErrExhausted):
		writeError(w, http.StatusNotFound, kindNotFound, "coupon not found")
	default:
		zctx.From(r.Context()).Error("coupon preview failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

// writeRedeemError maps confirmation-time errors. Eligibility that lapsed
// between cart validation and confirmation is a conflict, not an exception:
// the order pipeline must recompute the total without the discount.
func writeRedeemError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, "coupon not found")
	case errors.Is(err, coupon.ErrExhausted),
		errors.Is(err, coupon.ErrExpired),
		errors.Is(err, coupon.ErrInactive),
		errors.Is(err, coupon.ErrUserLimitExceeded):
		writeError(w, http.StatusConflict, kindRedemptionConflict, "coupon no longer available")
	case errors.Is(err, ledger.ErrRedemptionNotFound):
		// Distinct from a bad coupon: the pipeline treats this as
		// already-reversed.
		writeError(w, http.StatusNotFound, kindRedemptionNotFound, "no redemption recorded for order")
	case errors.Is(err, coupon.ErrInvalidOrderTotal):
		writeError(w, http.StatusBadRequest, kindInvalidOrderTotal, "discount amount must be non-negative")
	default:
		// Storage unavailability must fail order confirmation loudly;
		// skipping the redemption would let used_count drift.
		zctx.From(r.Context()).Error("redemption failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}
