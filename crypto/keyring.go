package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/storage"
)

// KeyringName is the secure storage entry holding the sealed keyring.
const KeyringName = "keysync.keyring"

// ErrAddressKeyNotFound is returned when no key is held for an address.
var ErrAddressKeyNotFound = errors.New("address key not found")

// ErrBadSignature is returned when a key signature does not verify.
var ErrBadSignature = icrypto.ErrBadSignature

// Keyring holds the unlocked address keys of every signed-in user.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]map[string]*AddressKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]map[string]*AddressKey)}
}

// Add registers an address key for a user, replacing any previous one.
func (k *Keyring) Add(userID string, ak *AddressKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys[userID] == nil {
		k.keys[userID] = make(map[string]*AddressKey)
	}
	k.keys[userID][ak.ID()] = ak
}

// AddressKey returns the key for (userID, addressID).
func (k *Keyring) AddressKey(_ context.Context, userID, addressID string) (*AddressKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ak, ok := k.keys[userID][addressID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", userID, addressID, ErrAddressKeyNotFound)
	}
	return ak, nil
}

// Remove drops every address key of a user.
func (k *Keyring) Remove(userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, userID)
}

type storedAddressKey struct {
	AddressID string `json:"address_id"`
	Private   []byte `json:"private"`
}

// Save seals the keyring with a key derived from the device key and writes
// it to secure storage.
func (k *Keyring) Save(ctx context.Context, secrets storage.SecretStore, device *memguard.Enclave) error {
	k.mu.RLock()
	stored := make(map[string][]storedAddressKey, len(k.keys))
	for userID, addrs := range k.keys {
		for _, ak := range addrs {
			priv, err := ak.Export()
			if err != nil {
				k.mu.RUnlock()
				return err
			}
			stored[userID] = append(stored[userID], storedAddressKey{AddressID: ak.ID(), Private: priv})
		}
	}
	k.mu.RUnlock()

	data, err := json.Marshal(stored)
	for _, addrs := range stored {
		for _, a := range addrs {
			util.WipeBytes(a.Private)
		}
	}
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}
	defer util.WipeBytes(data)

	wrapKey, err := KeyringKey(device)
	if err != nil {
		return err
	}
	defer wrapKey.Destroy()

	env, err := storage.SealRecord(wrapKey, data, icrypto.AADCredentials(KeyringName))
	if err != nil {
		return fmt.Errorf("sealing keyring: %w", err)
	}
	b, err := env.Bytes()
	if err != nil {
		return err
	}
	return secrets.SetBytes(ctx, KeyringName, b)
}

// LoadKeyring restores a keyring written by Save. A missing or unreadable
// entry yields an empty keyring.
func LoadKeyring(ctx context.Context, secrets storage.SecretStore, device *memguard.Enclave) (*Keyring, error) {
	kr := NewKeyring()
	b, err := secrets.GetBytes(ctx, KeyringName)
	if errors.Is(err, storage.ErrNotFound) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading keyring: %w", err)
	}

	wrapKey, err := KeyringKey(device)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Destroy()

	env, err := storage.ParseEnvelope(b)
	if err != nil {
		return kr, nil
	}
	data, err := storage.OpenRecord(wrapKey, env, icrypto.AADCredentials(KeyringName))
	if err != nil {
		return kr, nil
	}
	defer util.WipeBytes(data)

	var stored map[string][]storedAddressKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return kr, nil
	}
	for userID, addrs := range stored {
		for _, a := range addrs {
			ak, err := NewAddressKey(a.AddressID, a.Private)
			if err != nil {
				return nil, err
			}
			kr.Add(userID, ak)
		}
	}
	return kr, nil
}
