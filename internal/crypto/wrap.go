package icrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/jmcleod/keysync/internal/util"
)

const wrapInfo = "keysync:address-wrap:v1"

// SealedWrap is a key sealed to an address's X25519 public key.
type SealedWrap struct {
	Ver        int      `json:"ver"`
	EphPub     [32]byte `json:"eph_pub"`
	Salt       []byte   `json:"salt"`
	Nonce      []byte   `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// SealToAddress encrypts key material to a recipient address public key using
// ephemeral ECDH + HKDF + AES-256-GCM.
func SealToAddress(recipientPub [32]byte, plaintext, aad []byte) (*SealedWrap, error) {
	kp, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&kp.Private)

	shared, err := util.SharedSecret(kp.Private, recipientPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&shared)

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	wrapKey, err := util.HKDF(shared[:], salt, []byte(wrapInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	sealed, err := util.EncryptAESWithAAD(plaintext, wrapKey, aad)
	if err != nil {
		return nil, err
	}

	return &SealedWrap{
		Ver:        1,
		EphPub:     kp.Public,
		Salt:       salt,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}, nil
}

// OpenFromAddress decrypts a SealedWrap with the recipient's private key.
func OpenFromAddress(recipientPriv [32]byte, wrap *SealedWrap, aad []byte) ([]byte, error) {
	if wrap == nil {
		return nil, fmt.Errorf("sealed wrap is nil")
	}
	if wrap.Ver != 1 {
		return nil, fmt.Errorf("unsupported sealed wrap version: %d", wrap.Ver)
	}

	shared, err := util.SharedSecret(recipientPriv, wrap.EphPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&shared)

	wrapKey, err := util.HKDF(shared[:], wrap.Salt, []byte(wrapInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	return util.DecryptAESWithAAD(wrap.Bytes(), wrapKey, aad)
}

// Bytes returns nonce || ciphertext without mutating the wrap.
func (w *SealedWrap) Bytes() []byte {
	full := make([]byte, len(w.Nonce)+len(w.Ciphertext))
	copy(full, w.Nonce)
	copy(full[len(w.Nonce):], w.Ciphertext)
	return full
}
