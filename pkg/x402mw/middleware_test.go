package x402mw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

type fakeSettler struct {
	settleSuccess bool
}

func (f *fakeSettler) Verify(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return x402.VerifyResponse{IsValid: f.settleSuccess}, nil
}

func (f *fakeSettler) Settle(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (x402.SettleResponse, error) {
	if !f.settleSuccess {
		return x402.SettleResponse{Success: false, ErrorReason: "declined"}, nil
	}
	return x402.SettleResponse{Success: true, Transaction: "0xdeadbeef", Network: reqs.Network}, nil
}

func (f *fakeSettler) Supported(ctx context.Context) (x402.SupportedPaymentKindsResponse, error) {
	return x402.SupportedPaymentKindsResponse{}, nil
}

func (f *fakeSettler) Health(ctx context.Context) (uint64, error) {
	return 1, nil
}

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.DefaultScheme,
		Network:           "eip155:84532",
		Amount:            "1000",
		MaxTimeoutSeconds: 30,
	}
}

func encodedPaymentHeader(t *testing.T, reqs x402.PaymentRequirements) string {
	t.Helper()
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Auth: x402.PaymentAuthorization{
			Value: reqs.Amount,
		},
		Signature: make([]byte, 65),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestProtectRejectsWithoutPayment(t *testing.T) {
	called := false
	protected := New(&fakeSettler{settleSuccess: true}).Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), testRequirements())

	req := httptest.NewRequest("GET", "/premium", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.False(t, called)
}

func TestProtectRejectsFailedSettlement(t *testing.T) {
	called := false
	protected := New(&fakeSettler{settleSuccess: false}).Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), testRequirements())

	req := httptest.NewRequest("GET", "/premium", nil)
	req.Header.Set("PAYMENT-SIGNATURE", encodedPaymentHeader(t, testRequirements()))
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.False(t, called)
}

func TestProtectCallsThroughOnSuccessfulSettlement(t *testing.T) {
	called := false
	protected := New(&fakeSettler{settleSuccess: true}).Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), testRequirements())

	req := httptest.NewRequest("GET", "/premium", nil)
	req.Header.Set("PAYMENT-SIGNATURE", encodedPaymentHeader(t, testRequirements()))
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
}
