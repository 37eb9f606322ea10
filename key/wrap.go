package key

import (
	"fmt"

	"github.com/jmcleod/keysync/internal/util"
)

// Wrap encrypts the raw bytes of k under by.
func Wrap(k Key, by Encrypter, aad []byte) ([]byte, error) {
	kk, ok := k.(*key)
	if !ok {
		return nil, fmt.Errorf("unsupported key implementation %T", k)
	}
	var out []byte
	err := kk.withBytes(func(raw []byte) error {
		var err error
		out, err = by.Encrypt(raw, aad)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping %s key %s: %w", k.Type(), k.ID(), err)
	}
	return out, nil
}

// Unwrap decrypts wrapped key bytes with by and returns the resulting Key.
func Unwrap(wrapped []byte, by Decrypter, aad []byte, id string, t Type, rotation int64) (Key, error) {
	raw, err := by.Decrypt(wrapped, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrapping %s key %s with %s: %w", t, id, by.ID(), err)
	}
	k, err := New(id, t, rotation, raw)
	if err != nil {
		util.WipeBytes(raw)
		return nil, err
	}
	return k, nil
}

// Raw returns a copy of the key bytes for sealing to an address key. The
// caller must wipe the result.
func Raw(k Key) ([]byte, error) {
	kk, ok := k.(*key)
	if !ok {
		return nil, fmt.Errorf("unsupported key implementation %T", k)
	}
	var out []byte
	err := kk.withBytes(func(raw []byte) error {
		out = util.CopyBytes(raw)
		return nil
	})
	return out, err
}
