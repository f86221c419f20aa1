package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// headersToStrip are never forwarded to the upstream: hop-by-hop headers,
// and credentials that have no business leaving this process. Anything
// under the x-x402- prefix is stripped separately below, since the gateway
// injects its own and a client-supplied one could smuggle a spoofed
// payment verdict past the proxy.
var headersToStrip = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"payment-signature":   true,
	"content-length":      true,
	"authorization":       true,
	"cookie":              true,
	"proxy-authorization": true,
	"x-api-key":           true,
}

// x402HeaderPrefix is stripped from every client-supplied header so a
// client cannot spoof the x-x402-* headers the gateway injects itself.
const x402HeaderPrefix = "x-x402-"

// allowedResponseHeaders is the inverse allowlist applied to the upstream's
// response: nothing about the upstream's own stack identity crosses the
// gateway, and CORS is solely the gateway's own call.
var allowedResponseHeaders = map[string]bool{
	"content-type":          true,
	"content-length":        true,
	"content-encoding":      true,
	"cache-control":         true,
	"etag":                  true,
	"last-modified":         true,
	"date":                  true,
	"vary":                  true,
	"x-request-id":          true,
	"x-ratelimit-limit":     true,
	"x-ratelimit-remaining": true,
	"x-ratelimit-reset":     true,
}

// maxResponseBodySize bounds upstream bodies buffered through the proxy.
const maxResponseBodySize = 10 * 1024 * 1024

// SanitizeQuery rejects CRLF and NUL injection and strips a URL fragment,
// which has no business being forwarded to the origin server.
func SanitizeQuery(query string) (string, error) {
	if strings.ContainsAny(query, "\r\n") {
		return "", x402.NewProxyError("query string must not contain newlines")
	}
	if idx := strings.IndexByte(query, '#'); idx >= 0 {
		query = query[:idx]
	}
	if strings.IndexByte(query, 0) >= 0 {
		return "", x402.NewProxyError("query string must not contain null bytes")
	}
	return query, nil
}

// SanitizePath URL-decodes a forwarded path segment and rejects traversal,
// authority injection (a leading "/" or an embedded "@"), both of which
// could redirect the proxied request away from the registered target.
func SanitizePath(path string) (string, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", x402.NewProxyError("invalid URL encoding in path")
	}
	if strings.Contains(decoded, "..") {
		return "", x402.NewProxyError("path traversal not allowed")
	}
	if strings.HasPrefix(decoded, "/") {
		return "", x402.NewProxyError("path must not start with /")
	}
	if strings.Contains(decoded, "@") {
		return "", x402.NewProxyError("path must not contain @")
	}
	return decoded, nil
}

// NewUpstreamClient builds the HTTP client the proxy uses to reach
// registered upstreams: redirects disabled (a redirect could point anywhere,
// including back into the private network the SSRF checks excluded) and a
// bounded overall timeout.
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ProxyRequest forwards r to targetURL with the stripped headers removed
// and the X-X402-* payment headers set from settle, and returns the
// upstream response with its body read up to the size cap. It copies no
// headers back: the caller applies CopyAllowedResponseHeaders and the
// PAYMENT-RESPONSE header. includePaymentResponse and hmacSecret are not
// read here.
func ProxyRequest(ctx context.Context, client *http.Client, r *http.Request, targetURL string, body []byte, settle x402.SettleResponse, includePaymentResponse bool, hmacSecret []byte) (*http.Response, []byte, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, nil, x402.NewProxyError("invalid target URL: %s", err)
	}
	if host := parsed.Hostname(); host != "" {
		if err := ValidateAndResolveIP(ctx, host); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, parsed.String(), bodyReader(body))
	if err != nil {
		return nil, nil, x402.NewProxyError("failed to build upstream request: %s", err)
	}

	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if headersToStrip[lower] || strings.HasPrefix(lower, x402HeaderPrefix) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	req.Header.Set("X-X402-Verified", "true")
	if settle.Payer != nil {
		req.Header.Set("X-X402-Payer", settle.Payer.Hex())
	}
	if settle.Transaction != "" {
		req.Header.Set("X-X402-TxHash", settle.Transaction)
	}
	req.Header.Set("X-X402-Network", settle.Network)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, x402.NewProxyError("upstream request failed: %s", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxResponseBodySize {
		return nil, nil, x402.NewProxyError("upstream response too large: %d bytes", resp.ContentLength)
	}

	limited := io.LimitReader(resp.Body, maxResponseBodySize+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, nil, x402.NewProxyError("failed to read upstream response: %s", err)
	}
	if len(respBody) > maxResponseBodySize {
		return nil, nil, x402.NewProxyError("upstream response too large (max %d bytes)", maxResponseBodySize)
	}

	return resp, respBody, nil
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// CopyAllowedResponseHeaders writes only the allowlisted response headers
// from upstream onto w.
func CopyAllowedResponseHeaders(w http.ResponseWriter, upstream http.Header) {
	for name, values := range upstream {
		if !allowedResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}
