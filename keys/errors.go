package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrVaultKeyNotFound means the share has no vault key for the rotation.
	ErrVaultKeyNotFound = errors.New("vault key not found")
	// ErrItemKeyNotFound means the share has no item key for the rotation.
	ErrItemKeyNotFound = errors.New("item key not found")
	// ErrSignatureInvalid means key material failed verification against the
	// share signing key.
	ErrSignatureInvalid = errors.New("key signature invalid")
)

// IntegrityError reports key material that is still missing after a refresh
// from the server. It is not retried automatically.
type IntegrityError struct {
	ShareID    string
	RotationID int64
	Err        error
}

func (e *IntegrityError) Error() string {
	if e.RotationID == 0 {
		return fmt.Sprintf("share %s: %v", e.ShareID, e.Err)
	}
	return fmt.Sprintf("share %s rotation %d: %v", e.ShareID, e.RotationID, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
