// Package keys caches share key rotations locally and resolves which keys
// decrypt or encrypt a record, unwinding the address key, vault key and item
// key layers.
package keys

import (
	"fmt"
	"time"

	"github.com/jmcleod/keysync/remote"
)

// VaultKey is one rotation of a share's vault key, sealed to the address key.
type VaultKey struct {
	UserID     string    `json:"user_id"`
	ShareID    string    `json:"share_id"`
	RotationID int64     `json:"rotation_id"`
	Key        []byte    `json:"key"`
	Signature  []byte    `json:"signature"`
	CreateTime time.Time `json:"create_time,omitzero"`
}

// ItemKey is one rotation of a share's item key, encrypted by the vault key
// of the same rotation.
type ItemKey struct {
	UserID     string    `json:"user_id"`
	ShareID    string    `json:"share_id"`
	RotationID int64     `json:"rotation_id"`
	Key        []byte    `json:"key"`
	Signature  []byte    `json:"signature"`
	CreateTime time.Time `json:"create_time,omitzero"`
}

// ItemRef identifies the rotation an item declares.
type ItemRef struct {
	ShareID    string
	ItemID     string
	RotationID int64
}

// EncryptedItem is end-to-end encrypted item content.
type EncryptedItem struct {
	ShareID    string
	ItemID     string
	RotationID int64
	Content    []byte
}

// Ciphertext is content sealed under a share's rotation.
type Ciphertext struct {
	ShareID    string
	RotationID int64
	Content    []byte
}

type ident struct {
	userID   string
	shareID  string
	rotation int64
}

func (i ident) recordID() string {
	return fmt.Sprintf("%s/%s/%020d", i.userID, i.shareID, i.rotation)
}

func (k VaultKey) ident() ident { return ident{k.UserID, k.ShareID, k.RotationID} }
func (k ItemKey) ident() ident  { return ident{k.UserID, k.ShareID, k.RotationID} }

func splitShareKey(userID, shareID string, sk remote.ShareKey) (VaultKey, ItemKey) {
	return VaultKey{
			UserID:     userID,
			ShareID:    shareID,
			RotationID: sk.RotationID,
			Key:        sk.VaultKey,
			Signature:  sk.VaultKeySignature,
			CreateTime: sk.CreateTime,
		}, ItemKey{
			UserID:     userID,
			ShareID:    shareID,
			RotationID: sk.RotationID,
			Key:        sk.ItemKey,
			Signature:  sk.ItemKeySignature,
			CreateTime: sk.CreateTime,
		}
}
