package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, err := NewAESKey()
	if err != nil {
		t.Fatalf("NewAESKey failed: %v", err)
	}
	plainText := []byte("hunter2")
	aad := []byte("share-1:rotation-3")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}
		if len(cipherText) <= GCMNonceSize {
			t.Fatalf("ciphertext too short: %d", len(cipherText))
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}
		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		if _, err := DecryptAESWithAAD(cipherText, key, []byte("share-1:rotation-4")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		if _, err := DecryptAESWithAAD(cipherText, key, aad); err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("ShortCipherText", func(t *testing.T) {
		if _, err := DecryptAESWithAAD([]byte{1, 2, 3}, key, aad); err == nil {
			t.Error("expected error for ciphertext shorter than nonce")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		if _, err := EncryptAESWithAAD(plainText, []byte("too short"), aad); err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestHKDF(t *testing.T) {
	seed := []byte("device-local-key")
	salt := []byte("user-1")

	key1, err := HKDF(seed, salt, []byte("keysync:local-item:v1"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(key1) != HKDFKeyLength {
		t.Errorf("expected key length %d, got %d", HKDFKeyLength, len(key1))
	}

	key2, _ := HKDF(seed, salt, []byte("keysync:local-item:v1"))
	if !bytes.Equal(key1, key2) {
		t.Error("HKDF should be deterministic")
	}

	key3, _ := HKDF(seed, salt, []byte("keysync:credentials:v1"))
	if bytes.Equal(key1, key3) {
		t.Error("HKDF should produce different output with different info")
	}
}

func TestX25519(t *testing.T) {
	kpA, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair A failed: %v", err)
	}
	kpB, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair B failed: %v", err)
	}

	if PublicFromPrivate(kpA.Private) != kpA.Public {
		t.Error("PublicFromPrivate should match generated public key")
	}

	secretAB, err := SharedSecret(kpA.Private, kpB.Public)
	if err != nil {
		t.Fatalf("SharedSecret AB failed: %v", err)
	}
	secretBA, err := SharedSecret(kpB.Private, kpA.Public)
	if err != nil {
		t.Fatalf("SharedSecret BA failed: %v", err)
	}
	if secretAB != secretBA {
		t.Error("shared secrets should match")
	}
}

func TestBytes(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}

	copied := CopyBytes(a)
	if !bytes.Equal(copied, a) {
		t.Error("CopyBytes failed")
	}
	copied[0] = 0xFF
	if a[0] == 0xFF {
		t.Error("CopyBytes should return a new slice")
	}
	if CopyBytes(nil) != nil {
		t.Error("CopyBytes(nil) should stay nil")
	}

	WipeBytes(copied)
	if !bytes.Equal(copied, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", copied)
	}

	arr := [32]byte{1, 2, 3}
	WipeArray32(&arr)
	if arr != [32]byte{} {
		t.Error("WipeArray32 should zero the array")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Alice@Example.com ", "alice@example.com"},
		{"café@example.com", "café@example.com"},
		{"Ａlice", "alice"}, // fullwidth A
	}
	for _, tc := range tests {
		if got := NormalizeIdentifier(tc.in); got != tc.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, _ := RandomBytes(32)
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}
}
