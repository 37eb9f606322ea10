// Package crypto provides address keys, share signing keys and provisioning
// of the device-local key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
)

// KeyPair holds an X25519 public/private key pair.
type KeyPair = util.KeyPair

// GenerateX25519Keypair generates a new X25519 key pair.
func GenerateX25519Keypair() (KeyPair, error) {
	return util.GenerateX25519Keypair()
}

// AddressKey is the X25519 key of one user address. The private half is kept
// in a memguard enclave and only opened for the duration of an unwrap.
type AddressKey struct {
	addressID string
	public    [32]byte
	private   *memguard.Enclave
}

// GenerateAddressKey creates a new random address key.
func GenerateAddressKey(addressID string) (*AddressKey, error) {
	kp, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generating address key: %w", err)
	}
	return NewAddressKey(addressID, kp.Private[:])
}

// NewAddressKey builds an AddressKey from raw private bytes. private is wiped.
func NewAddressKey(addressID string, private []byte) (*AddressKey, error) {
	if len(private) != 32 {
		util.WipeBytes(private)
		return nil, fmt.Errorf("invalid address key size: %d", len(private))
	}
	var priv [32]byte
	copy(priv[:], private)
	pub := util.PublicFromPrivate(priv)
	util.WipeArray32(&priv)
	return &AddressKey{
		addressID: addressID,
		public:    pub,
		private:   memguard.NewEnclave(private),
	}, nil
}

// ID returns the address ID.
func (a *AddressKey) ID() string {
	return a.addressID
}

// Public returns the X25519 public key.
func (a *AddressKey) Public() [32]byte {
	return a.public
}

// Open decrypts data sealed to this address with SealToAddress.
func (a *AddressKey) Open(sealed, aad []byte) ([]byte, error) {
	var wrap icrypto.SealedWrap
	if err := json.Unmarshal(sealed, &wrap); err != nil {
		return nil, fmt.Errorf("decoding sealed wrap: %w", err)
	}
	buf, err := a.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening address key enclave: %w", err)
	}
	defer buf.Destroy()

	var priv [32]byte
	copy(priv[:], buf.Bytes())
	defer util.WipeArray32(&priv)
	return icrypto.OpenFromAddress(priv, &wrap, aad)
}

// Export returns a copy of the private key bytes. The caller must wipe them.
func (a *AddressKey) Export() ([]byte, error) {
	buf, err := a.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening address key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

// SealToAddress encrypts plaintext to an address public key. The result is
// the encoded wrap accepted by AddressKey.Open.
func SealToAddress(public [32]byte, plaintext, aad []byte) ([]byte, error) {
	wrap, err := icrypto.SealToAddress(public, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wrap)
}

// SigningKey is an Ed25519 share signing key.
type SigningKey struct {
	Public  ed25519.PublicKey
	private *memguard.Enclave
}

// GenerateSigningKey creates a new Ed25519 signing key.
func GenerateSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &SigningKey{Public: pub, private: memguard.NewEnclave(priv)}, nil
}

// NewSigningKey wraps an existing Ed25519 private key. priv is wiped.
func NewSigningKey(priv ed25519.PrivateKey) (*SigningKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size: %d", len(priv))
	}
	pub := util.CopyBytes(priv.Public().(ed25519.PublicKey))
	return &SigningKey{Public: pub, private: memguard.NewEnclave(priv)}, nil
}

// Sign signs key material bound to aad.
func (s *SigningKey) Sign(aad, ciphertext []byte) ([]byte, error) {
	buf, err := s.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer buf.Destroy()
	// ed25519 caches key expansion by pointer, which must not point into
	// guarded memory.
	priv := util.CopyBytes(buf.Bytes())
	defer util.WipeBytes(priv)
	return icrypto.SignKeyMaterial(ed25519.PrivateKey(priv), aad, ciphertext), nil
}

// Export returns a copy of the private key. The caller must wipe it.
func (s *SigningKey) Export() (ed25519.PrivateKey, error) {
	buf, err := s.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

// Verify checks a signature produced by Sign.
func Verify(public ed25519.PublicKey, aad, ciphertext, sig []byte) error {
	return icrypto.VerifyKeyMaterial(public, aad, ciphertext, sig)
}
