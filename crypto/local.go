package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/storage"
)

// DeviceKeyName is the secure storage entry holding the device-local key.
const DeviceKeyName = "keysync.device_key"

// LoadOrCreateLocalKey returns the device-local key from secure storage,
// generating and storing a new one on first use.
func LoadOrCreateLocalKey(ctx context.Context, secrets storage.SecretStore) (*memguard.Enclave, error) {
	raw, err := secrets.GetBytes(ctx, DeviceKeyName)
	if err == nil {
		if len(raw) != util.AESKeySize {
			util.WipeBytes(raw)
			return nil, fmt.Errorf("stored device key has invalid size")
		}
		return memguard.NewEnclave(raw), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading device key: %w", err)
	}

	raw, err = util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	if err := secrets.SetBytes(ctx, DeviceKeyName, raw); err != nil {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("storing device key: %w", err)
	}
	return memguard.NewEnclave(raw), nil
}

// LocalItemKey derives the per-user key wrapping cached item content.
func LocalItemKey(device *memguard.Enclave, userID string) (key.Key, error) {
	return deriveLocal(device, "local-item/"+userID, func(seed []byte) ([]byte, error) {
		return icrypto.DeriveLocalItemKey(seed, userID)
	})
}

// CredentialsKey derives the key encrypting the persisted session map.
func CredentialsKey(device *memguard.Enclave) (key.Key, error) {
	return deriveLocal(device, "credentials", icrypto.DeriveCredentialsKey)
}

// KeyringKey derives the key encrypting the persisted address keyring.
func KeyringKey(device *memguard.Enclave) (key.Key, error) {
	return deriveLocal(device, "keyring", icrypto.DeriveKeyringKey)
}

func deriveLocal(device *memguard.Enclave, id string, derive func([]byte) ([]byte, error)) (key.Key, error) {
	buf, err := device.Open()
	if err != nil {
		return nil, fmt.Errorf("opening device key: %w", err)
	}
	defer buf.Destroy()

	raw, err := derive(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", id, err)
	}
	return key.New(id, key.Local, 0, raw)
}
