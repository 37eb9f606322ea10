package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier canonicalises user-facing identifiers (emails, user
// IDs) so that visually identical values compare equal.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
