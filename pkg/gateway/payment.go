package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// PlatformRequirements builds the PaymentRequirements for the flat platform
// registration/mutation fee charged on /register, PATCH, and DELETE.
func PlatformRequirements(scheme, network string, asset, platformAddress common.Address, feeUSD, feeAmount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           network,
		Price:             feeUSD,
		Asset:             asset,
		Amount:            feeAmount,
		PayTo:             platformAddress,
		MaxTimeoutSeconds: 30,
		Description:       "Platform registration fee",
		MimeType:          "application/json",
	}
}

// EndpointRequirements builds the PaymentRequirements advertised for a
// registered endpoint: priced in the given asset and paid to its owner.
func EndpointRequirements(scheme, network string, asset, owner common.Address, priceUSD, priceAmount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           network,
		Price:             priceUSD,
		Asset:             asset,
		Amount:            priceAmount,
		PayTo:             owner,
		MaxTimeoutSeconds: 30,
		Description:       description,
		MimeType:          "application/json",
	}
}

// PaymentRequiredResponse writes a 402 response body offering requirements.
func PaymentRequiredResponse(w http.ResponseWriter, requirements x402.PaymentRequirements) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(x402.PaymentRequiredBody{
		X402Version: x402.X402Version,
		Accepts:     []x402.PaymentRequirements{requirements},
	})
}

// ExtractPaymentHeader decodes the PAYMENT-SIGNATURE header's base64+JSON
// payload, without verifying it.
func ExtractPaymentHeader(r *http.Request) (*x402.PaymentPayload, bool) {
	header := r.Header.Get("PAYMENT-SIGNATURE")
	if header == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, false
	}
	var p x402.PaymentPayload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// RequirePayment is the gateway's 402 gate: absent a payment header it
// returns false and has already written the 402 response; present, it
// verifies and settles, returning the settlement on success or writing a
// 402-with-reason response on failure.
func RequirePayment(ctx context.Context, w http.ResponseWriter, r *http.Request, settler facilitator.Settler, requirements x402.PaymentRequirements) (x402.SettleResponse, bool) {
	payload, ok := ExtractPaymentHeader(r)
	if !ok {
		PaymentRequiredResponse(w, requirements)
		return x402.SettleResponse{}, false
	}

	settle, err := settler.Settle(ctx, *payload, requirements)
	if err != nil || !settle.Success {
		reason := settle.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error":       "payment_failed",
			"message":     reason,
			"x402Version": x402.X402Version,
			"accepts":     []x402.PaymentRequirements{requirements},
		})
		return x402.SettleResponse{}, false
	}
	return settle, true
}

// PaymentResponseHeader builds the PAYMENT-RESPONSE header value: a
// base64-encoded JSON summary of the settlement, optionally followed by a
// dot-separated HMAC so a downstream client can detect tampering with the
// receipt in transit.
func PaymentResponseHeader(settle x402.SettleResponse, hmacSecret []byte) string {
	summary := map[string]any{
		"success":     settle.Success,
		"transaction": settle.Transaction,
		"network":     settle.Network,
	}
	if settle.Payer != nil {
		summary["payer"] = settle.Payer.Hex()
	}
	raw, _ := json.Marshal(summary)
	encoded := base64.StdEncoding.EncodeToString(raw)
	if len(hmacSecret) == 0 {
		return encoded
	}
	return encoded + "." + x402.ComputeHMAC(hmacSecret, []byte(encoded))
}

// TokenAmountToUSD renders a base-unit amount string as a human dollar
// figure, trimming trailing zeros the way the analytics surface always has.
func TokenAmountToUSD(amount string) string {
	units, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		units = 0
	}
	multiplier := uint64(1)
	for i := uint8(0); i < x402.TokenDecimals; i++ {
		multiplier *= 10
	}
	dollars := units / multiplier
	fraction := units % multiplier

	fracStr := strconv.FormatUint(fraction, 10)
	pad := int(x402.TokenDecimals) - len(fracStr)
	if pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")

	if fracStr == "" {
		return "$" + strconv.FormatUint(dollars, 10)
	}
	return "$" + strconv.FormatUint(dollars, 10) + "." + fracStr
}
