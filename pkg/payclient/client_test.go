package payclient

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

func TestClientPaysOn402(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	privHex := "0x" + hexEncode(crypto.FromECDSA(key))

	requirements := x402.PaymentRequirements{
		Scheme:            x402.DefaultScheme,
		Network:           "eip155:84532",
		Asset:             crypto.PubkeyToAddress(key.PublicKey),
		Amount:            "1000",
		PayTo:             crypto.PubkeyToAddress(key.PublicKey),
		MaxTimeoutSeconds: 30,
	}

	paidAlready := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("PAYMENT-SIGNATURE")
		if header == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(x402.PaymentRequiredBody{
				X402Version: x402.X402Version,
				Accepts:     []x402.PaymentRequirements{requirements},
			})
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(header)
		require.NoError(t, err)
		var payload x402.PaymentPayload
		require.NoError(t, json.Unmarshal(decoded, &payload))
		require.Equal(t, "1000", payload.Auth.Value)

		paidAlready = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, err := New(privHex)
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, paidAlready)
}

func TestClientPassesThroughNonPaymentResponses(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	privHex := "0x" + hexEncode(crypto.FromECDSA(key))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("free content"))
	}))
	defer server.Close()

	client, err := New(privHex)
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildPayloadCapsWindowToRequirements(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := New("0x" + hexEncode(crypto.FromECDSA(key)))
	require.NoError(t, err)

	requirements := x402.PaymentRequirements{
		Scheme:            x402.DefaultScheme,
		Network:           "eip155:84532",
		Asset:             crypto.PubkeyToAddress(key.PublicKey),
		Amount:            "1000",
		PayTo:             crypto.PubkeyToAddress(key.PublicKey),
		MaxTimeoutSeconds: 30,
	}

	payload, err := client.buildPayload(requirements)
	require.NoError(t, err)

	window := payload.Auth.ValidBefore - payload.Auth.ValidAfter
	require.LessOrEqual(t, window, uint64(90), "window must fit the facilitator's MaxTimeoutSeconds+60s cap")
}

func TestBuildPayloadFallsBackToDefaultWindowWhenUnset(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := New("0x" + hexEncode(crypto.FromECDSA(key)))
	require.NoError(t, err)

	requirements := x402.PaymentRequirements{
		Scheme:  x402.DefaultScheme,
		Network: "eip155:84532",
		Asset:   crypto.PubkeyToAddress(key.PublicKey),
		Amount:  "1000",
		PayTo:   crypto.PubkeyToAddress(key.PublicKey),
	}

	payload, err := client.buildPayload(requirements)
	require.NoError(t, err)

	window := payload.Auth.ValidBefore - payload.Auth.ValidAfter
	require.Equal(t, uint64(ValidityWindow.Seconds()), window)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
