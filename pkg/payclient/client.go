// Package payclient provides an HTTP client that transparently handles 402
// Payment Required responses: on receiving one it signs a payment
// authorization for the advertised requirements and retries the request
// with the PAYMENT-SIGNATURE header attached.
package payclient

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// ValidityWindow is how long a generated authorization remains valid when
// requirements don't advertise a tighter MaxTimeoutSeconds.
const ValidityWindow = time.Hour

// facilitatorSlack is the grace period the facilitator adds on top of
// requirements.MaxTimeoutSeconds when capping the accepted window (see
// pkg/facilitator.Local's windowCap step); the client must stay inside it
// too or its own payments get rejected as "validity window too long".
const facilitatorSlack = 60 * time.Second

// Client is an HTTP client that pays for 402-gated requests automatically.
type Client struct {
	HTTP   *http.Client
	signer *ecdsa.PrivateKey
	addr   common.Address
}

// New builds a Client from a hex-encoded (optionally 0x-prefixed) private key.
func New(privateKeyHex string) (*Client, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Client{
		HTTP:   &http.Client{},
		signer: key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the payer address this client signs with.
func (c *Client) Address() common.Address {
	return c.addr
}

// Get performs a GET request, paying automatically if challenged with 402.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST request, paying automatically if challenged with 402.
func (c *Client) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes req. If the first attempt returns 402, it signs a payment
// authorization for the first advertised requirement and retries once with
// the PAYMENT-SIGNATURE header set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := parseRequirements(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	payload, err := c.buildPayload(*requirements)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment: %w", err)
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("PAYMENT-SIGNATURE", base64.StdEncoding.EncodeToString(payloadJSON))

	return c.HTTP.Do(retry)
}

func parseRequirements(resp *http.Response) (*x402.PaymentRequirements, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var required x402.PaymentRequiredBody
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, err
	}
	if len(required.Accepts) == 0 {
		return nil, fmt.Errorf("402 response named no accepted payment requirements")
	}
	return &required.Accepts[0], nil
}

// buildPayload signs a fresh authorization against requirements, valid from
// now for ValidityWindow capped to what requirements.MaxTimeoutSeconds (plus
// the facilitator's slack) will actually accept.
func (c *Client) buildPayload(requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	nonce, err := x402.RandomNonce()
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := uint64(time.Now().Unix())
	window := ValidityWindow
	if requirements.MaxTimeoutSeconds > 0 {
		reqWindow := time.Duration(requirements.MaxTimeoutSeconds)*time.Second + facilitatorSlack
		if reqWindow < window {
			window = reqWindow
		}
	}
	auth := x402.PaymentAuthorization{
		From:        c.addr,
		To:          requirements.PayTo,
		Value:       requirements.Amount,
		Token:       requirements.Asset,
		ValidAfter:  now,
		ValidBefore: now + uint64(window.Seconds()),
		Nonce:       nonce,
	}

	chainID, err := x402.ChainIDFromNetwork(requirements.Network)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	hash, err := x402.SigningHash(auth, chainID)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to hash authorization: %w", err)
	}
	signature, err := crypto.Sign(hash.Bytes(), c.signer)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Auth:        auth,
		Signature:   signature,
	}, nil
}
