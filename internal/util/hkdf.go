package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF derives a 32-byte key from seed using HKDF-SHA256.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt, info), k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
