package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/ledger"
)

// redeemRequest mirrors the POST /api/internal/redemptions body sent by the
// order pipeline at confirmation time.
type redeemRequest struct {
	CouponID       string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal

	hasAmount bool
}

func decodeRedeemRequest(body []byte) (*redeemRequest, error) {
	var req redeemRequest
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "couponId":
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.CouponID = s
		case "userId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.UserID = s
		case "orderId":
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.OrderID = s
		case "discountAmount":
			amount, err := decodeDecimal(d)
			if err != nil {
				return err
			}
			req.DiscountAmount = amount
			req.hasAmount = true
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &req, nil
}

// Redeem handles POST /api/internal/redemptions: consume one usage slot for
// the order. Retries with the same orderId replay the recorded result.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "cannot read request body")
		return
	}

	req, err := decodeRedeemRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return
	}
	if req.CouponID == "" || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "couponId and orderId are required")
		return
	}
	if !req.hasAmount {
		writeError(w, http.StatusBadRequest, kindBadRequest, "discountAmount is required")
		return
	}

	result, err := h.ledger.Redeem(r.Context(), ledger.RedeemRequest{
		CouponID:       req.CouponID,
		UserID:         req.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: req.DiscountAmount,
	})
	if err != nil {
		writeRedeemError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discountAmount", func(e *jx.Encoder) { encodeDecimal(e, result.DiscountAmount) })
			e.Field("usedCount", func(e *jx.Encoder) { e.Int(result.UsedCount) })
			e.Field("replayed", func(e *jx.Encoder) { e.Bool(result.Replayed) })
		})
	})
}

// Reverse handles DELETE /api/internal/redemptions/{orderID}: the
// compensating action for a failed order.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "order id is required")
		return
	}

	if err := h.ledger.Reverse(r.Context(), orderID); err != nil {
		writeRedeemError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
