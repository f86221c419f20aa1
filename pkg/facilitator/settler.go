// Package facilitator implements payment verification and settlement: the
// component that validates a signed PaymentAuthorization against a set of
// requirements and, if valid, consumes its nonce and executes transferFrom.
//
// Settler is deliberately a single interface with two implementations —
// Local calls the chain directly, Remote calls a separately hosted
// facilitator over HTTP with HMAC auth — so a gateway can be pointed at
// either without caring which.
package facilitator

import (
	"context"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Settler validates and, on success, settles a payment authorization.
//
// The facilitator never holds funds — it is a stateless verification and
// execution layer over signed authorizations, paired with the replay
// protection the nonce store provides.
type Settler interface {
	// Verify checks payload against requirements. Local's Verify is
	// read-only and submits no transaction; Remote's Verify goes through
	// the combined verify-and-settle endpoint, so a valid payment is also
	// settled.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error)

	// Settle re-verifies under the payer's lock, consumes the nonce, and
	// submits transferFrom. Once the nonce is consumed the operation is
	// irreversible even if the chain call later fails.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)

	// Supported lists the (scheme, network, asset) combinations this
	// facilitator will accept.
	Supported(ctx context.Context) (x402.SupportedPaymentKindsResponse, error)

	// Health reports the latest observed block number, or an error if the
	// chain connection is unusable.
	Health(ctx context.Context) (uint64, error)
}
