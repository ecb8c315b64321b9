package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/coupon"
)

// validateRequest mirrors the POST /api/coupons/validate body.
type validateRequest struct {
	CouponCode string
	OrderTotal decimal.Decimal
	UserID     string

	hasTotal bool
}

func decodeValidateRequest(body []byte) (*validateRequest, error) {
	var req validateRequest
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "couponCode":
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.CouponCode = s
		case "orderTotal":
			total, err := decodeDecimal(d)
			if err != nil {
				// A present but non-numeric total is an order-total
				// problem, not a generic malformed body.
				return coupon.ErrInvalidOrderTotal
			}
			req.OrderTotal = total
			req.hasTotal = true
		case "userId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.UserID = s
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &req, nil
}

// decodeDecimal accepts a JSON number or a numeric string, since clients
// serialize money both ways.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

func encodeDecimal(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.String()))
}

// ValidateCoupon handles POST /api/coupons/validate: eligibility check plus
// discount quote. Repeatable without side effects.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "cannot read request body")
		return
	}

	req, err := decodeValidateRequest(body)
	if err != nil {
		if errors.Is(err, coupon.ErrInvalidOrderTotal) {
			writeError(w, http.StatusBadRequest, kindInvalidOrderTotal, "orderTotal must be a numeric amount")
			return
		}
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return
	}
	if req.CouponCode == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "couponCode is required")
		return
	}
	if !req.hasTotal {
		writeError(w, http.StatusBadRequest, kindInvalidOrderTotal, "orderTotal is required")
		return
	}

	eligible, err := h.validator.Validate(r.Context(), coupon.ValidateRequest{
		Code:       req.CouponCode,
		OrderTotal: req.OrderTotal,
		UserID:     req.UserID,
	})
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	quote, err := coupon.Calculate(eligible, req.OrderTotal)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("coupon", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("code", func(e *jx.Encoder) { e.Str(eligible.Code) })
					e.Field("discountType", func(e *jx.Encoder) { e.Str(string(eligible.DiscountType)) })
					e.Field("discountValue", func(e *jx.Encoder) { encodeDecimal(e, eligible.Value) })
					e.Field("description", func(e *jx.Encoder) { e.Str(eligible.Description) })
				})
			})
			e.Field("discount", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("amount", func(e *jx.Encoder) { encodeDecimal(e, quote.DiscountAmount) })
					e.Field("originalTotal", func(e *jx.Encoder) { encodeDecimal(e, quote.OriginalTotal) })
					e.Field("finalTotal", func(e *jx.Encoder) { encodeDecimal(e, quote.FinalTotal) })
				})
			})
		})
	})
}

// PreviewCoupon handles GET /api/coupons?code=X: the restricted public
// view. All non-usable states collapse to 404 so saturation levels and
// kill-switch decisions stay invisible.
func (h *Handler) PreviewCoupon(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "code query parameter is required")
		return
	}

	p, err := h.preview.ByCode(r.Context(), code)
	if err != nil {
		writePreviewError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Str(p.Code) })
			e.Field("discountType", func(e *jx.Encoder) { e.Str(string(p.DiscountType)) })
			e.Field("discountValue", func(e *jx.Encoder) { encodeDecimal(e, p.Value) })
			e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
			e.Field("endDate", func(e *jx.Encoder) { e.Str(p.EndsAt.UTC().Format(time.RFC3339)) })
		})
	})
}
