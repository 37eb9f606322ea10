// Package uuid generates identifiers for locally created records and
// server-side fakes.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
