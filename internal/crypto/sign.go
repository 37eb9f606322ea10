package icrypto

import (
	"crypto/ed25519"
	"errors"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// SignKeyMaterial signs aad || ciphertext with the share signing key.
func SignKeyMaterial(priv ed25519.PrivateKey, aad, ciphertext []byte) []byte {
	return ed25519.Sign(priv, signedMessage(aad, ciphertext))
}

// VerifyKeyMaterial checks a signature produced by SignKeyMaterial.
func VerifyKeyMaterial(pub ed25519.PublicKey, aad, ciphertext, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, signedMessage(aad, ciphertext), sig) {
		return ErrBadSignature
	}
	return nil
}

func signedMessage(aad, ciphertext []byte) []byte {
	return buildAAD(aad, ciphertext)
}
