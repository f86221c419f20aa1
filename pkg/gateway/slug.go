package gateway

import (
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

const (
	minSlugLen        = 3
	maxSlugLen        = 64
	maxDescriptionLen = 4096
)

// ValidateSlug enforces the endpoint-path naming rule: lowercase-or-mixed
// alphanumerics and hyphens, 3-64 characters, never starting or ending with
// a hyphen (both of which would produce an awkward or ambiguous /g/ path).
func ValidateSlug(slug string) error {
	if len(slug) < minSlugLen {
		return x402.NewInvalidSlug("slug must be at least %d characters", minSlugLen)
	}
	if len(slug) > maxSlugLen {
		return x402.NewInvalidSlug("slug must be at most %d characters", maxSlugLen)
	}
	for _, c := range slug {
		if !isAlphanumeric(c) && c != '-' {
			return x402.NewInvalidSlug("slug must contain only alphanumeric characters and hyphens")
		}
	}
	if slug[0] == '-' || slug[len(slug)-1] == '-' {
		return x402.NewInvalidSlug("slug cannot start or end with a hyphen")
	}
	return nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ValidateDescription caps the free-text description attached to an
// endpoint so a registration can't be used to stash arbitrary-size blobs.
func ValidateDescription(description string) error {
	if len(description) > maxDescriptionLen {
		return x402.NewInvalidSlug("description must be at most %d characters", maxDescriptionLen)
	}
	return nil
}
