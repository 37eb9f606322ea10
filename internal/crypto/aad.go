package icrypto

import (
	"encoding/binary"
)

const (
	aadVaultKey     = "VAULTKEY"
	aadItemKey      = "ITEMKEY"
	aadItemContent  = "ITEMCONTENT"
	aadShareContent = "SHARECONTENT"
	aadLocalItem    = "LOCALITEM"
	aadCredentials  = "CREDENTIALS"
	aadSigningKey   = "SIGNINGKEY"
)

// AADVaultKey binds a sealed vault key to its share and rotation.
func AADVaultKey(shareID string, rotation int64) []byte {
	return buildAAD(aadVaultKey, shareID, uint64(rotation))
}

// AADItemKey binds an item key ciphertext to its share and rotation.
func AADItemKey(shareID string, rotation int64) []byte {
	return buildAAD(aadItemKey, shareID, uint64(rotation))
}

// AADItemContent binds end-to-end item content to the rotation that encrypts
// it. The item ID is not included because the server assigns it after the
// content has been sealed.
func AADItemContent(shareID string, rotation int64) []byte {
	return buildAAD(aadItemContent, shareID, uint64(rotation))
}

func AADShareContent(shareID string, rotation int64) []byte {
	return buildAAD(aadShareContent, shareID, uint64(rotation))
}

// AADLocalItem binds the device-local wrapping of an item to its identity.
func AADLocalItem(userID, shareID, itemID string) []byte {
	return buildAAD(aadLocalItem, userID, shareID, itemID)
}

// AADSigningKey binds a wrapped share signing key to its share.
func AADSigningKey(shareID string) []byte {
	return buildAAD(aadSigningKey, shareID)
}

func AADCredentials(storageKey string) []byte {
	return buildAAD(aadCredentials, storageKey)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
