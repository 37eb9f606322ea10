// Package key provides symmetric key handles whose raw bytes live in
// memguard enclaves, plus wrapping of one key under another.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the role a key plays in the hierarchy.
type Type int

const (
	// Vault keys are sealed to an address key and wrap item keys.
	Vault Type = iota + 1
	// Item keys encrypt item content.
	Item
	// Local keys wrap data at rest on this device.
	Local
)

// ErrUnknownType is returned when an unrecognized key type is encountered.
var ErrUnknownType = errors.New("unknown key type")

func (t Type) String() string {
	switch t {
	case Vault:
		return "Vault"
	case Item:
		return "Item"
	case Local:
		return "Local"
	default:
		return "Unknown"
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key type: %w", err)
	}

	switch s {
	case "Vault":
		*t = Vault
	case "Item":
		*t = Item
	case "Local":
		*t = Local
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
