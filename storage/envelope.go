package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/key"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	KeyID      string `json:"key_id,omitempty"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using k and aad.
func SealRecord(k key.Encrypter, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := k.Encrypt(plaintext, aad)
	if err != nil {
		return nil, err
	}

	// Encrypt returns nonce || ciphertext.
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		KeyID:      k.ID(),
		Nonce:      cipher[:util.GCMNonceSize],
		Ciphertext: cipher[util.GCMNonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope using k and aad.
func OpenRecord(k key.Decrypter, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return k.Decrypt(fullCipher, aad)
}

// Bytes encodes the envelope for a Record's Data field.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes an envelope produced by Bytes.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Ver == 0 || len(env.Nonce) == 0 {
		return nil, fmt.Errorf("decoding envelope: missing fields")
	}
	return &env, nil
}
