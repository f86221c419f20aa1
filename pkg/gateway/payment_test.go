package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

func TestExtractPaymentHeaderRoundTrip(t *testing.T) {
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Auth: x402.PaymentAuthorization{
			From:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
			To:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Value: "1000",
			Token: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		},
		Signature: make([]byte, 65),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("PAYMENT-SIGNATURE", base64.StdEncoding.EncodeToString(raw))

	got, ok := ExtractPaymentHeader(req)
	require.True(t, ok)
	require.Equal(t, payload.Auth.Value, got.Auth.Value)
}

func TestExtractPaymentHeaderMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := ExtractPaymentHeader(req)
	require.False(t, ok)
}

func TestExtractPaymentHeaderInvalidBase64(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("PAYMENT-SIGNATURE", "not-base64!!!")
	_, ok := ExtractPaymentHeader(req)
	require.False(t, ok)
}

func TestPaymentResponseHeaderWithoutSecretHasNoHMAC(t *testing.T) {
	header := PaymentResponseHeader(x402.SettleResponse{Success: true, Transaction: "0xabc", Network: "eip155:84532"}, nil)
	require.NotContains(t, header, ".")
}

func TestPaymentResponseHeaderWithSecretAppendsHMAC(t *testing.T) {
	header := PaymentResponseHeader(x402.SettleResponse{Success: true, Transaction: "0xabc", Network: "eip155:84532"}, []byte("secret"))
	parts := strings.SplitN(header, ".", 2)
	require.Len(t, parts, 2)

	decoded, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	require.True(t, x402.VerifyHMAC([]byte("secret"), []byte(parts[0]), parts[1]))

	var summary map[string]any
	require.NoError(t, json.Unmarshal(decoded, &summary))
	require.Equal(t, true, summary["success"])
}

func TestTokenAmountToUSD(t *testing.T) {
	cases := map[string]string{
		"0":       "$0",
		"1000000": "$1",
		"10000":   "$0.01",
		"1":       "$0.000001",
		"1500000": "$1.5",
	}
	for amount, want := range cases {
		got := TokenAmountToUSD(amount)
		if got != want {
			t.Errorf("TokenAmountToUSD(%q) = %q, want %q", amount, got, want)
		}
	}
}
