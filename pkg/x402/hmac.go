package x402

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HMAC key-derivation domain tags. Deriving distinct keys per use from one
// shared secret means compromising the receipt-signing key (handed to
// clients indirectly via logs, say) does not also compromise the
// facilitator-auth token or webhook signatures.
const (
	TagFacilitatorAuth = "facilitator-auth"
	TagReceipt         = "receipt"
	TagWebhook         = "webhook"
)

// DeriveKey derives a domain-separated HMAC key from a shared secret and a
// purpose tag.
func DeriveKey(secret []byte, tag string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tag))
	return mac.Sum(nil)
}

// ComputeHMAC returns the lowercase-hex HMAC-SHA256 of data under key.
func ComputeHMAC(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether hexSig is a valid hex-encoded HMAC-SHA256 of
// data under key. The comparison is constant-time regardless of whether
// hexSig fails to decode: a malformed signature must take the same code
// path (and roughly the same time) as a well-formed but wrong one, so a
// timing side-channel can't distinguish "bad hex" from "bad signature."
func VerifyHMAC(key, data []byte, hexSig string) bool {
	expected := hmac.New(sha256.New, key)
	expected.Write(data)
	want := expected.Sum(nil)

	given, decodeErr := hex.DecodeString(hexSig)
	if decodeErr != nil || len(given) != len(want) {
		// Compare against a zero buffer of the expected length so the
		// constant-time path still executes; the result is discarded.
		dummy := make([]byte, len(want))
		subtle.ConstantTimeCompare(want, dummy)
		return false
	}
	return subtle.ConstantTimeCompare(want, given) == 1
}
