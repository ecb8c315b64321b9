package handler_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-engine/internal/domain/auth"
	"github.com/xenking/promo-engine/internal/domain/coupon"
	"github.com/xenking/promo-engine/internal/domain/ledger"
	"github.com/xenking/promo-engine/internal/handler"
)

type mockValidator struct {
	eligible *coupon.EligibleCoupon
	err      error
	gotReq   coupon.ValidateRequest
}

func (m *mockValidator) Validate(_ context.Context, req coupon.ValidateRequest) (*coupon.EligibleCoupon, error) {
	m.gotReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.eligible, nil
}

type mockPreviewer struct {
	preview *coupon.Preview
	err     error
}

func (m *mockPreviewer) ByCode(context.Context, string) (*coupon.Preview, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.preview, nil
}

type mockLedger struct {
	result     *ledger.RedeemResult
	redeemErr  error
	reverseErr error
	gotReq     ledger.RedeemRequest
	gotOrderID string
}

func (m *mockLedger) Redeem(_ context.Context, req ledger.RedeemRequest) (*ledger.RedeemResult, error) {
	m.gotReq = req
	if m.redeemErr != nil {
		return nil, m.redeemErr
	}
	return m.result, nil
}

func (m *mockLedger) Reverse(_ context.Context, orderID string) error {
	m.gotOrderID = orderID
	return m.reverseErr
}

type mockKeys struct {
	info *auth.APIKeyInfo
}

func (m *mockKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.info == nil || m.info.KeyHash != hash {
		return nil, auth.ErrKeyNotFound
	}
	return m.info, nil
}

var testPepper = []byte("test-pepper")

func keyHash(key string) string {
	mac := hmac.New(sha256.New, testPepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func newServer(v handler.CouponValidator, p handler.CouponPreviewer, l handler.RedemptionLedger, keys auth.Repository) *httptest.Server {
	mux := http.NewServeMux()
	h := handler.NewHandler(v, p, l)
	h.Register(mux, handler.NewSecurityHandler(keys, testPepper))
	return httptest.NewServer(mux)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestValidateCoupon(t *testing.T) {
	v := &mockValidator{eligible: &coupon.EligibleCoupon{
		ID:           "c1",
		Code:         "SAVE10",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Description:  "10% off",
	}}
	srv := newServer(v, &mockPreviewer{}, &mockLedger{}, &mockKeys{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/coupons/validate", "application/json",
		strings.NewReader(`{"couponCode": "SAVE10", "orderTotal": 250.00, "userId": "u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	c := body["coupon"].(map[string]any)
	assert.Equal(t, "SAVE10", c["code"])
	assert.Equal(t, "percentage", c["discountType"])
	assert.Equal(t, "10% off", c["description"])

	d := body["discount"].(map[string]any)
	assert.InDelta(t, 25.0, d["amount"], 0.001)
	assert.InDelta(t, 250.0, d["originalTotal"], 0.001)
	assert.InDelta(t, 225.0, d["finalTotal"], 0.001)

	assert.Equal(t, "SAVE10", v.gotReq.Code)
	assert.Equal(t, "u1", v.gotReq.UserID)
	assert.True(t, decimal.NewFromInt(250).Equal(v.gotReq.OrderTotal))
}

func TestValidateCoupon_StringTotal(t *testing.T) {
	v := &mockValidator{eligible: &coupon.EligibleCoupon{
		Code:         "FLAT5",
		DiscountType: coupon.DiscountFixed,
		Value:        decimal.NewFromInt(5),
	}}
	srv := newServer(v, &mockPreviewer{}, &mockLedger{}, &mockKeys{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/coupons/validate", "application/json",
		strings.NewReader(`{"couponCode": "FLAT5", "orderTotal": "100.50"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decimal.RequireFromString("100.50").Equal(v.gotReq.OrderTotal))
}

func TestValidateCoupon_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "not found",
			body:       `{"couponCode": "NOPE", "orderTotal": 100}`,
			err:        coupon.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantKind:   "CouponNotFound",
		},
		{
			name:       "inactive",
			body:       `{"couponCode": "OFF", "orderTotal": 100}`,
			err:        coupon.ErrInactive,
			wantStatus: http.StatusNotFound,
			wantKind:   "CouponInactive",
		},
		{
			name:       "expired",
			body:       `{"couponCode": "OLD", "orderTotal": 100}`,
			err:        coupon.ErrExpired,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "CouponExpired",
		},
		{
			name:       "exhausted",
			body:       `{"couponCode": "GONE", "orderTotal": 100}`,
			err:        coupon.ErrExhausted,
			wantStatus: http.StatusConflict,
			wantKind:   "CouponExhausted",
		},
		{
			name:       "user limit",
			body:       `{"couponCode": "ONCE", "orderTotal": 100, "userId": "u1"}`,
			err:        coupon.ErrUserLimitExceeded,
			wantStatus: http.StatusConflict,
			wantKind:   "CouponUserLimitExceeded",
		},
		{
			name:       "negative total",
			body:       `{"couponCode": "SAVE10", "orderTotal": -1}`,
			err:        coupon.ErrInvalidOrderTotal,
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidOrderTotal",
		},
		{
			name:       "missing code",
			body:       `{"orderTotal": 100}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "BadRequest",
		},
		{
			name:       "missing total",
			body:       `{"couponCode": "SAVE10"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidOrderTotal",
		},
		{
			name:       "non-numeric total",
			body:       `{"couponCode": "SAVE10", "orderTotal": "ten dollars"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidOrderTotal",
		},
		{
			name:       "malformed json",
			body:       `{"couponCode":`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "BadRequest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&mockValidator{err: tt.err}, &mockPreviewer{}, &mockLedger{}, &mockKeys{})
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/api/coupons/validate", "application/json",
				strings.NewReader(tt.body))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, tt.wantKind, body["errorKind"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestPreviewCoupon(t *testing.T) {
	ends := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	p := &mockPreviewer{preview: &coupon.Preview{
		Code:         "SAVE10",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Description:  "10% off",
		EndsAt:       ends,
	}}
	srv := newServer(&mockValidator{}, p, &mockLedger{}, &mockKeys{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/coupons?code=SAVE10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "SAVE10", body["code"])
	assert.Equal(t, "percentage", body["discountType"])
	assert.Equal(t, "2026-12-31T23:59:59Z", body["endDate"])

	// The restricted view must not leak saturation or limit fields.
	assert.NotContains(t, body, "usedCount")
	assert.NotContains(t, body, "usageLimit")
	assert.NotContains(t, body, "perUserLimit")
}

func TestPreviewCoupon_CollapsesTo404(t *testing.T) {
	for _, err := range []error{
		coupon.ErrNotFound,
		coupon.ErrInactive,
		coupon.ErrExpired,
		coupon.ErrExhausted,
	} {
		srv := newServer(&mockValidator{}, &mockPreviewer{err: err}, &mockLedger{}, &mockKeys{})

		resp, rerr := http.Get(srv.URL + "/api/coupons?code=X")
		require.NoError(t, rerr)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "error %v", err)
		body := decodeBody(t, resp)
		assert.Equal(t, "CouponNotFound", body["errorKind"], "error %v", err)

		srv.Close()
	}
}

func TestPreviewCoupon_MissingCode(t *testing.T) {
	srv := newServer(&mockValidator{}, &mockPreviewer{}, &mockLedger{}, &mockKeys{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/coupons")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

const testAPIKey = "pipeline-key"

func authedRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("api_key", testAPIKey)
	return req
}

func pipelineKeys() *mockKeys {
	return &mockKeys{info: &auth.APIKeyInfo{
		ID:      "k1",
		KeyHash: keyHash(testAPIKey),
		Name:    "order-pipeline",
		Scopes:  []string{"redemptions"},
	}}
}

func TestRedeem(t *testing.T) {
	l := &mockLedger{result: &ledger.RedeemResult{
		DiscountAmount: decimal.NewFromInt(25),
		UsedCount:      3,
	}}
	srv := newServer(&mockValidator{}, &mockPreviewer{}, l, pipelineKeys())
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
		`{"couponId": "c1", "userId": "u1", "orderId": "o1", "discountAmount": 25.00}`)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.InDelta(t, 25.0, body["discountAmount"], 0.001)
	assert.InDelta(t, 3.0, body["usedCount"], 0.001)
	assert.Equal(t, false, body["replayed"])

	assert.Equal(t, "c1", l.gotReq.CouponID)
	assert.Equal(t, "o1", l.gotReq.OrderID)
}

func TestRedeem_Replayed(t *testing.T) {
	l := &mockLedger{result: &ledger.RedeemResult{
		DiscountAmount: decimal.NewFromInt(25),
		UsedCount:      3,
		Replayed:       true,
	}}
	srv := newServer(&mockValidator{}, &mockPreviewer{}, l, pipelineKeys())
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
		`{"couponId": "c1", "orderId": "o1", "discountAmount": 25}`)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["replayed"])
}

func TestRedeem_Conflict(t *testing.T) {
	for _, derr := range []error{
		coupon.ErrExhausted,
		coupon.ErrExpired,
		coupon.ErrInactive,
		coupon.ErrUserLimitExceeded,
	} {
		srv := newServer(&mockValidator{}, &mockPreviewer{}, &mockLedger{redeemErr: derr}, pipelineKeys())

		req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
			`{"couponId": "c1", "orderId": "o1", "discountAmount": 5}`)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		assert.Equal(t, http.StatusConflict, resp.StatusCode, "error %v", derr)
		body := decodeBody(t, resp)
		assert.Equal(t, "RedemptionConflict", body["errorKind"], "error %v", derr)

		srv.Close()
	}
}

func TestRedeem_MissingFields(t *testing.T) {
	srv := newServer(&mockValidator{}, &mockPreviewer{}, &mockLedger{}, pipelineKeys())
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
		`{"couponId": "c1"}`)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReverse(t *testing.T) {
	l := &mockLedger{}
	srv := newServer(&mockValidator{}, &mockPreviewer{}, l, pipelineKeys())
	defer srv.Close()

	req := authedRequest(t, http.MethodDelete, srv.URL+"/api/internal/redemptions/o1", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "o1", l.gotOrderID)
}

func TestReverse_UnknownOrder(t *testing.T) {
	srv := newServer(&mockValidator{}, &mockPreviewer{},
		&mockLedger{reverseErr: ledger.ErrRedemptionNotFound}, pipelineKeys())
	defer srv.Close()

	req := authedRequest(t, http.MethodDelete, srv.URL+"/api/internal/redemptions/missing", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "RedemptionNotFound", body["errorKind"])
}

func TestSecurity(t *testing.T) {
	srv := newServer(&mockValidator{}, &mockPreviewer{err: coupon.ErrNotFound},
		&mockLedger{result: &ledger.RedeemResult{DiscountAmount: decimal.NewFromInt(1), UsedCount: 1}},
		pipelineKeys())
	defer srv.Close()

	t.Run("missing key", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/internal/redemptions", "application/json",
			strings.NewReader(`{"couponId": "c1", "orderId": "o1", "discountAmount": 1}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
			`{"couponId": "c1", "orderId": "o1", "discountAmount": 1}`)
		req.Header.Set("api_key", "not-the-key")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid key", func(t *testing.T) {
		req := authedRequest(t, http.MethodPost, srv.URL+"/api/internal/redemptions",
			`{"couponId": "c1", "orderId": "o1", "discountAmount": 1}`)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("public routes stay open", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/coupons?code=X")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
