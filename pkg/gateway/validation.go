package gateway

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// ValidateTargetURL rejects anything that is not a plausible public HTTPS
// upstream, at registration time: no userinfo, no private/loopback/
// link-local addresses (literal or by obvious hostname), HTTPS only.
func ValidateTargetURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return x402.NewInvalidURL("invalid target URL: %s", err)
	}
	if u.Scheme != "https" {
		return x402.NewInvalidURL("target URL must use https")
	}
	if u.User != nil {
		return x402.NewInvalidURL("target URL must not contain userinfo")
	}
	host := u.Hostname()
	if host == "" {
		return x402.NewInvalidURL("target URL missing host")
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return x402.NewInvalidURL("target host %q is not a public address", host)
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateOrReserved(ip) {
		return x402.NewInvalidURL("target host %q resolves to a private address", host)
	}

	return nil
}

// ValidateAndResolveIP re-resolves host at connection time and rejects it if
// any resolved address is private, closing most of the DNS-rebinding window
// left between registration-time validation and proxying. The original
// hostname (not the resolved IP) is still used to dial, so TLS SNI and
// certificate validation keep working — this only gates which addresses are
// acceptable, it never redirects the connection.
func ValidateAndResolveIP(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateOrReserved(ip) {
			return x402.NewProxyError("target host %q resolves to a private address", host)
		}
		return nil
	}

	resolver := &net.Resolver{}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return x402.NewProxyError("failed to resolve target host %q: %s", host, err)
	}
	if len(addrs) == 0 {
		return x402.NewProxyError("target host %q did not resolve", host)
	}
	for _, a := range addrs {
		if isPrivateOrReserved(a.IP) {
			return x402.NewProxyError("target host %q resolves to a private address", host)
		}
	}
	return nil
}

func isPrivateOrReserved(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// Carrier-grade NAT range, 100.64.0.0/10 — not covered by IsPrivate.
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
	}
	return false
}
