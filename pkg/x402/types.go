// Package x402 implements the wire types, price parsing, and cryptographic
// primitives shared by the facilitator and gateway: the HTTP 402
// payment-authorization protocol for pay-per-request APIs settled on an
// EVM-compatible chain via a TIP-20 token.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// X402Version is the only protocol version this implementation understands.
const X402Version = 1

// DefaultScheme is the scheme tag a facilitator advertises unless
// FACILITATOR_SCHEME overrides it.
const DefaultScheme = "tempo-tip20"

// TokenDecimals is the decimal count of the settlement token this
// implementation targets.
const TokenDecimals uint8 = 6

// ChainIDFromNetwork extracts the numeric chain ID from a CAIP-2 network
// identifier of the form "eip155:<chainId>", the only namespace this
// implementation supports.
func ChainIDFromNetwork(network string) (*big.Int, error) {
	namespace, ref, ok := strings.Cut(network, ":")
	if !ok || namespace != "eip155" {
		return nil, fmt.Errorf("unsupported network identifier: %s", network)
	}
	chainID, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain ID in network identifier: %s", network)
	}
	return chainID, nil
}

// PaymentAuthorization is the EIP-712-structured message the payer signs.
// Field order and names match the EIP-712 type string exactly.
type PaymentAuthorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       string         `json:"value"` // base-10, fits a uint256
	Token       common.Address `json:"token"`
	ValidAfter  uint64         `json:"validAfter"`
	ValidBefore uint64         `json:"validBefore"`
	Nonce       [32]byte       `json:"-"`
}

// payloadWire is the JSON shape of PaymentAuthorization plus its signature,
// the "payload" object inside PaymentPayload.
type payloadWire struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Token       string `json:"token"`
	ValidAfter  uint64 `json:"validAfter"`
	ValidBefore uint64 `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// PaymentPayload is the decoded form of the PAYMENT-SIGNATURE header: a
// base64-encoded JSON object carrying the protocol version, the signed
// authorization, and its signature.
type PaymentPayload struct {
	X402Version int
	Auth        PaymentAuthorization
	Signature   []byte // 65 bytes: r(32) || s(32) || v(1)
}

// MarshalJSON renders the nested {"payload": {...}} wire shape the protocol
// uses, keeping PaymentAuthorization's Go-side field types (common.Address,
// [32]byte) internal.
func (p PaymentPayload) MarshalJSON() ([]byte, error) {
	w := struct {
		X402Version int         `json:"x402Version"`
		Payload     payloadWire `json:"payload"`
	}{
		X402Version: p.X402Version,
		Payload: payloadWire{
			From:        p.Auth.From.Hex(),
			To:          p.Auth.To.Hex(),
			Value:       p.Auth.Value,
			Token:       p.Auth.Token.Hex(),
			ValidAfter:  p.Auth.ValidAfter,
			ValidBefore: p.Auth.ValidBefore,
			Nonce:       "0x" + common.Bytes2Hex(p.Auth.Nonce[:]),
			Signature:   "0x" + common.Bytes2Hex(p.Signature),
		},
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape into PaymentPayload, hex-decoding
// addresses, the nonce, and the signature.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var w struct {
		X402Version int         `json:"x402Version"`
		Payload     payloadWire `json:"payload"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.X402Version = w.X402Version
	p.Auth.From = common.HexToAddress(w.Payload.From)
	p.Auth.To = common.HexToAddress(w.Payload.To)
	p.Auth.Value = w.Payload.Value
	p.Auth.Token = common.HexToAddress(w.Payload.Token)
	p.Auth.ValidAfter = w.Payload.ValidAfter
	p.Auth.ValidBefore = w.Payload.ValidBefore

	nonceBytes := common.FromHex(w.Payload.Nonce)
	copy(p.Auth.Nonce[:], nonceBytes)

	p.Signature = common.FromHex(w.Payload.Signature)
	return nil
}

// PaymentRequirements is a single offer returned in a 402 response.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"` // CAIP-2, e.g. eip155:84532
	Price             string          `json:"price"`   // human-readable, e.g. "$0.001"
	Asset             common.Address  `json:"asset"`
	Amount            string          `json:"amount"` // base units, base-10
	PayTo             common.Address  `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// PaymentRequiredBody is the 402 response body.
type PaymentRequiredBody struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the result of a facilitator verify call.
type VerifyResponse struct {
	IsValid       bool            `json:"isValid"`
	InvalidReason string          `json:"invalidReason,omitempty"`
	Payer         *common.Address `json:"payer,omitempty"`
}

// SettleResponse is the receipt returned by a facilitator settle call, and
// the shape encoded into the PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool            `json:"success"`
	Transaction string          `json:"transaction,omitempty"`
	ErrorReason string          `json:"errorReason,omitempty"`
	Payer       *common.Address `json:"payer,omitempty"`
	Network     string          `json:"network"`
}

// SupportedPaymentKind names one scheme+network+asset combination a
// facilitator accepts.
type SupportedPaymentKind struct {
	Scheme  string         `json:"scheme"`
	Network string         `json:"network"`
	Asset   common.Address `json:"asset"`
}

// SupportedPaymentKindsResponse is the body of GET /supported.
type SupportedPaymentKindsResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}

// SettlementWebhook is the event payload fired at WEBHOOK_URLS after a
// successful settlement.
type SettlementWebhook struct {
	Event       string `json:"event"`
	Payer       string `json:"payer"`
	Amount      string `json:"amount"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Timestamp   uint64 `json:"timestamp"`
}

// Endpoint is a gateway-persisted, owner-registered upstream.
type Endpoint struct {
	ID           int64  `json:"id"`
	Slug         string `json:"slug"`
	OwnerAddress string `json:"ownerAddress"`
	TargetURL    string `json:"targetUrl"`
	PriceUSD     string `json:"priceUsd"`
	PriceAmount  string `json:"priceAmount"`
	Description  string `json:"description,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	Active       bool   `json:"active"`
}

// EndpointStats holds revenue/traffic attribution for one endpoint.
type EndpointStats struct {
	Slug            string `json:"slug"`
	RequestCount    int64  `json:"requestCount"`
	PaymentCount    int64  `json:"paymentCount"`
	RevenueTotal    string `json:"revenueTotal"`
	LastAccessedAt  *int64 `json:"lastAccessedAt,omitempty"`
}

// CreateEndpointRequest is the POST /register body.
type CreateEndpointRequest struct {
	Slug        string `json:"slug"`
	TargetURL   string `json:"target_url"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
}

// UpdateEndpointRequest is the PATCH /endpoints/{slug} body.
type UpdateEndpointRequest struct {
	TargetURL   *string `json:"target_url,omitempty"`
	Price       *string `json:"price,omitempty"`
	Description *string `json:"description,omitempty"`
}
