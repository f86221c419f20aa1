package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Remote is a Settler backed by a separately hosted facilitator reached
// over HTTP, authenticated with a domain-separated HMAC shared secret.
// It is what a gateway uses when it does not host settlement in-process.
type Remote struct {
	BaseURL    string
	AuthKey    []byte // DeriveKey(secret, TagFacilitatorAuth)
	HTTPClient *http.Client
}

// NewRemote builds a Remote client. The provided http.Client must have
// redirects disabled; NewDefaultHTTPClient does this.
func NewRemote(baseURL string, authKey []byte, client *http.Client) *Remote {
	if client == nil {
		client = NewDefaultHTTPClient()
	}
	return &Remote{BaseURL: baseURL, AuthKey: authKey, HTTPClient: client}
}

// NewDefaultHTTPClient returns the facilitator/gateway-wide HTTP client
// configuration: 30s timeout, redirects disabled (SSRF mitigation — the
// upstream proxy and webhook clients disable redirects too).
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type verifyAndSettleRequest struct {
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("facilitator remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("facilitator remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Facilitator-Auth", x402.ComputeHMAC(r.AuthKey, buf))

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator remote: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator remote: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator remote: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("facilitator remote: decode response: %w", err)
		}
	}
	return nil
}

// Verify is not split out remotely: the wire protocol only exposes a
// combined verify-and-settle endpoint, matching the spec's external
// interface. Verify therefore calls Settle: a payment it reports as valid
// has already been settled on-chain, and there is no read-only check
// against a Remote.
func (r *Remote) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	settled, err := r.Settle(ctx, payload, requirements)
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	return x402.VerifyResponse{IsValid: settled.Success, InvalidReason: settled.ErrorReason, Payer: settled.Payer}, nil
}

func (r *Remote) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	var out x402.SettleResponse
	err := r.post(ctx, "/verify-and-settle", verifyAndSettleRequest{PaymentPayload: payload, PaymentRequirements: requirements}, &out)
	return out, err
}

func (r *Remote) Supported(ctx context.Context) (x402.SupportedPaymentKindsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/supported", nil)
	if err != nil {
		return x402.SupportedPaymentKindsResponse{}, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return x402.SupportedPaymentKindsResponse{}, err
	}
	defer resp.Body.Close()
	var out x402.SupportedPaymentKindsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return x402.SupportedPaymentKindsResponse{}, err
	}
	return out, nil
}

func (r *Remote) Health(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("facilitator remote: unhealthy: status %d", resp.StatusCode)
	}
	var out struct {
		LatestBlock uint64 `json:"latestBlock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.LatestBlock, nil
}
