package x402

import "fmt"

// Kind classifies an X402Error for HTTP-status mapping and log routing. The
// kind set matches the taxonomy the protocol defines; the string values are
// stable and safe to log or compare against in tests.
type Kind string

const (
	KindInvalidPayment        Kind = "invalid_payment"
	KindSignatureError        Kind = "signature_error"
	KindReplayError           Kind = "replay_error"
	KindExpiredAuthorization  Kind = "expired_authorization"
	KindNotYetValid           Kind = "not_yet_valid"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindUnsupportedScheme     Kind = "unsupported_scheme"
	KindNetworkMismatch       Kind = "network_mismatch"
	KindChainError            Kind = "chain_error"
	KindNotOwner              Kind = "not_owner"
	KindConfigError           Kind = "config_error"
	KindSlugExists            Kind = "slug_exists"
	KindEndpointNotFound      Kind = "endpoint_not_found"
	KindInvalidSlug           Kind = "invalid_slug"
	KindInvalidURL            Kind = "invalid_url"
	KindInvalidPrice          Kind = "invalid_price"
	KindProxyError            Kind = "proxy_error"
	KindInternal              Kind = "internal"
)

// Error is the error type used throughout the core. detail is logged;
// Public() is what may ever reach an unauthenticated client.
type Error struct {
	Kind   Kind
	detail string
	public string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.detail)
}

// Public returns the generic, client-safe message for this error. Several
// kinds deliberately collapse distinct internal causes into one external
// string so a client cannot distinguish, e.g., insufficient balance from
// insufficient allowance.
func (e *Error) Public() string {
	if e.public != "" {
		return e.public
	}
	return e.detail
}

func newErr(kind Kind, public, format string, args ...any) *Error {
	return &Error{Kind: kind, detail: fmt.Sprintf(format, args...), public: public}
}

func NewInvalidPayment(format string, args ...any) *Error {
	return newErr(KindInvalidPayment, "", format, args...)
}

func NewSignatureError(format string, args ...any) *Error {
	return newErr(KindSignatureError, "Invalid signature", format, args...)
}

func NewReplayError(format string, args ...any) *Error {
	return newErr(KindReplayError, "", format, args...)
}

func NewExpiredAuthorization() *Error {
	return newErr(KindExpiredAuthorization, "Authorization expired", "authorization expired")
}

func NewNotYetValid() *Error {
	return newErr(KindNotYetValid, "Authorization not yet valid", "authorization not yet valid")
}

// NewPaymentCannotComplete builds the single generic message the spec
// mandates for both insufficient-balance and insufficient-allowance
// failures. kind distinguishes them only for internal logging.
func NewPaymentCannotComplete(kind Kind, format string, args ...any) *Error {
	return newErr(kind, "Payment cannot be completed", format, args...)
}

func NewUnsupportedScheme(format string, args ...any) *Error {
	return newErr(KindUnsupportedScheme, "", format, args...)
}

func NewNetworkMismatch(format string, args ...any) *Error {
	return newErr(KindNetworkMismatch, "", format, args...)
}

func NewChainError(format string, args ...any) *Error {
	return newErr(KindChainError, "", format, args...)
}

func NewNotOwner() *Error {
	return newErr(KindNotOwner, "not the endpoint owner", "ownership check failed")
}

func NewConfigError(format string, args ...any) *Error {
	return newErr(KindConfigError, "", format, args...)
}

func NewSlugExists(slug string) *Error {
	return newErr(KindSlugExists, fmt.Sprintf("slug %q already exists", slug), "slug exists: %s", slug)
}

func NewEndpointNotFound(slug string) *Error {
	return newErr(KindEndpointNotFound, "endpoint not found", "endpoint not found: %s", slug)
}

func NewInvalidSlug(format string, args ...any) *Error {
	return newErr(KindInvalidSlug, "", format, args...)
}

func NewInvalidURL(format string, args ...any) *Error {
	return newErr(KindInvalidURL, "", format, args...)
}

func NewInvalidPrice(format string, args ...any) *Error {
	return newErr(KindInvalidPrice, "invalid price", format, args...)
}

func NewProxyError(format string, args ...any) *Error {
	return newErr(KindProxyError, "upstream unavailable", format, args...)
}

func NewInternal(format string, args ...any) *Error {
	return newErr(KindInternal, "internal error", format, args...)
}

// AsError reports whether err is an *Error, returning it if so.
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
