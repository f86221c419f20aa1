package x402

import (
	"math/big"
	"strings"
)

// ParsePrice converts a human-readable price string such as "$0.001" into a
// base-unit amount string for a token with the given decimal count, using
// integer-only arithmetic on the decimal-string input. No floating-point
// type is used anywhere in this path: the teacher's equivalent routine
// parsed with big.Float, which loses the exactness the money path requires.
//
// "$1" with decimals=6 -> "1000000". "$0.000001" -> "1". "$0.0000019"
// truncates beyond the token's decimal count -> "1".
func ParsePrice(price string, decimals uint8) (string, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return "", NewInvalidPrice("empty price")
	}
	if strings.HasPrefix(s, "-") {
		return "", NewInvalidPrice("negative price not allowed: %s", price)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return "", NewInvalidPrice("malformed price (multiple decimal points): %s", price)
	}

	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) {
		return "", NewInvalidPrice("malformed whole part: %s", price)
	}

	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if !isDigits(frac) {
			return "", NewInvalidPrice("malformed fractional part: %s", price)
		}
	}

	// Scale the fractional part to exactly `decimals` digits: pad with
	// trailing zeros if shorter, truncate (never round) if longer.
	d := int(decimals)
	if len(frac) < d {
		frac = frac + strings.Repeat("0", d-len(frac))
	} else if len(frac) > d {
		frac = frac[:d]
	}

	digits := whole + frac
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}

	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok || !amount.IsUint64() {
		return "", NewInvalidPrice("price overflowed base-unit representation: %s", price)
	}
	return amount.String(), nil
}

func isDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
