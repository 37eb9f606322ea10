package icrypto

import "github.com/jmcleod/keysync/internal/util"

const (
	localItemInfo   = "keysync:local-item:v1"
	credentialsInfo = "keysync:credentials:v1"
	keyringInfo     = "keysync:keyring:v1"
)

// DeriveLocalItemKey derives the key that wraps cached item content for one
// user from the device-local key.
func DeriveLocalItemKey(deviceKey []byte, userID string) ([]byte, error) {
	return util.HKDF(deviceKey, []byte(userID), []byte(localItemInfo))
}

// DeriveCredentialsKey derives the key that encrypts the persisted session
// credential map.
func DeriveCredentialsKey(deviceKey []byte) ([]byte, error) {
	return util.HKDF(deviceKey, nil, []byte(credentialsInfo))
}

// DeriveKeyringKey derives the key that encrypts the persisted address keyring.
func DeriveKeyringKey(deviceKey []byte) ([]byte, error) {
	return util.HKDF(deviceKey, nil, []byte(keyringInfo))
}
