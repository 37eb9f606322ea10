package key

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/jmcleod/keysync/internal/util"
)

// ErrDestroyed is returned when a destroyed key is used.
var ErrDestroyed = errors.New("key destroyed")

// Encrypter can encrypt data and identify itself.
type Encrypter interface {
	ID() string
	Encrypt(plaintext, aad []byte) ([]byte, error)
}

// Decrypter can decrypt data and identify itself.
type Decrypter interface {
	ID() string
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// Key is a symmetric AES-256-GCM key bound to one rotation.
type Key interface {
	Encrypter
	Decrypter
	Type() Type
	Rotation() int64
	// Destroy wipes the key material. Further use returns ErrDestroyed.
	Destroy()
}

type key struct {
	keyID    string
	keyType  Type
	rotation int64

	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// New takes ownership of raw (which is wiped) and returns a Key.
func New(id string, t Type, rotation int64, raw []byte) (Key, error) {
	if len(raw) != util.AESKeySize {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(raw), util.AESKeySize)
	}
	return &key{
		keyID:    id,
		keyType:  t,
		rotation: rotation,
		enclave:  memguard.NewEnclave(raw),
	}, nil
}

// Generate creates a fresh random key.
func Generate(id string, t Type, rotation int64) (Key, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", t, err)
	}
	return New(id, t, rotation, raw)
}

func (k *key) ID() string {
	return k.keyID
}

func (k *key) Type() Type {
	return k.keyType
}

func (k *key) Rotation() int64 {
	return k.rotation
}

func (k *key) Encrypt(plaintext, aad []byte) ([]byte, error) {
	var out []byte
	err := k.withBytes(func(raw []byte) error {
		var err error
		out, err = util.EncryptAESWithAAD(plaintext, raw, aad)
		return err
	})
	return out, err
}

func (k *key) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	var out []byte
	err := k.withBytes(func(raw []byte) error {
		var err error
		out, err = util.DecryptAESWithAAD(ciphertext, raw, aad)
		return err
	})
	return out, err
}

func (k *key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclave = nil
}

// withBytes opens the enclave for the duration of fn.
func (k *key) withBytes(fn func(raw []byte) error) error {
	k.mu.RLock()
	enclave := k.enclave
	k.mu.RUnlock()
	if enclave == nil {
		return ErrDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
