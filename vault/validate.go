package vault

import (
	"unicode"
	"unicode/utf8"
)

const (
	// MaxIDLength bounds user, share and item identifiers.
	MaxIDLength = 256
	// MaxContentSize bounds the plaintext of one item.
	MaxContentSize = 1 << 20
	// MaxVaultNameLength bounds a vault's display name in runes.
	MaxVaultNameLength = 128
)

// Identifiers are joined with '/' into local record IDs, so '/' is
// rejected along with ':'.
func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

func validateKind(kind Kind) error {
	switch kind {
	case KindLogin, KindNote, KindAlias, KindCard, KindIdentity:
		return nil
	default:
		return validationErrorf("invalid item kind %q", kind)
	}
}

func validateContent(plaintext []byte) error {
	if len(plaintext) == 0 {
		return validationErrorf("item content must not be empty")
	}
	if len(plaintext) > MaxContentSize {
		return validationErrorf("item content size %d exceeds maximum of %d bytes", len(plaintext), MaxContentSize)
	}
	return nil
}

func validateVaultContent(c VaultContent) error {
	if c.Name == "" {
		return validationErrorf("vault name must not be empty")
	}
	if !utf8.ValidString(c.Name) {
		return validationErrorf("vault name contains invalid UTF-8")
	}
	if n := utf8.RuneCountInString(c.Name); n > MaxVaultNameLength {
		return validationErrorf("vault name length %d exceeds maximum of %d", n, MaxVaultNameLength)
	}
	return nil
}
