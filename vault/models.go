// Package vault holds the local share and item repositories. Reads are
// served from the local object store and refreshed from the server on a
// miss or on demand; writes reach the server first and are then persisted
// and returned as stored.
package vault

import (
	"crypto/ed25519"
	"time"

	"github.com/jmcleod/keysync/remote"
)

// Share is the locally cached access record of a vault.
type Share struct {
	UserID            string            `json:"user_id"`
	ShareID           string            `json:"share_id"`
	VaultID           string            `json:"vault_id"`
	AddressID         string            `json:"address_id"`
	TargetType        string            `json:"target_type,omitzero"`
	TargetID          string            `json:"target_id,omitzero"`
	Permission        int               `json:"permission,omitzero"`
	SigningKey        ed25519.PublicKey `json:"signing_key"`
	Content           []byte            `json:"content,omitzero"`
	ContentRotationID int64             `json:"content_rotation_id,omitzero"`
	Owner             bool              `json:"owner,omitzero"`
	Primary           bool              `json:"primary,omitzero"`
	CreateTime        time.Time         `json:"create_time,omitzero"`
	ExpireTime        time.Time         `json:"expire_time,omitzero"`
}

// VaultContent is the decrypted display metadata of a vault.
type VaultContent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	Icon        string `json:"icon,omitzero"`
	Color       string `json:"color,omitzero"`
}

func shareFromRemote(userID string, s remote.Share) Share {
	return Share{
		UserID:            userID,
		ShareID:           s.ShareID,
		VaultID:           s.VaultID,
		AddressID:         s.AddressID,
		TargetType:        s.TargetType,
		TargetID:          s.TargetID,
		Permission:        s.Permission,
		SigningKey:        ed25519.PublicKey(s.SigningKey),
		Content:           s.Content,
		ContentRotationID: s.ContentRotationID,
		Owner:             s.Owner,
		Primary:           s.Primary,
		CreateTime:        s.CreateTime,
		ExpireTime:        s.ExpireTime,
	}
}

// Kind is the type of an item.
type Kind string

const (
	KindLogin    Kind = "login"
	KindNote     Kind = "note"
	KindAlias    Kind = "alias"
	KindCard     Kind = "card"
	KindIdentity Kind = "identity"
)

// Item is a locally cached item. Content is the end-to-end ciphertext;
// use Items.Decrypt to read it.
type Item struct {
	UserID         string           `json:"user_id"`
	ShareID        string           `json:"share_id"`
	ItemID         string           `json:"item_id"`
	Revision       int64            `json:"revision"`
	RotationID     int64            `json:"rotation_id"`
	Content        []byte           `json:"content"`
	State          remote.ItemState `json:"state"`
	Kind           Kind             `json:"kind"`
	SignatureEmail string           `json:"signature_email,omitzero"`
	CreateTime     time.Time        `json:"create_time,omitzero"`
	ModifyTime     time.Time        `json:"modify_time,omitzero"`
	LastUseTime    time.Time        `json:"last_use_time,omitzero"`
	// LastUseUnsent marks a LastUseTime recorded on this device that the
	// server has not acknowledged yet.
	LastUseUnsent bool `json:"last_use_unsent,omitzero"`
}

// IsLogin reports whether the item is a login. It is kept as an
// unencrypted attribute so listings can filter without decrypting.
func (i Item) IsLogin() bool {
	return i.Kind == KindLogin
}

// Active reports whether the item is not in the trash.
func (i Item) Active() bool {
	return i.State == remote.StateActive
}

func (i Item) revision() remote.ItemRevision {
	return remote.ItemRevision{ItemID: i.ItemID, Revision: i.Revision}
}

func itemFromRemote(userID string, it remote.Item) Item {
	return Item{
		UserID:         userID,
		ShareID:        it.ShareID,
		ItemID:         it.ItemID,
		Revision:       it.Revision,
		RotationID:     it.RotationID,
		Content:        it.Content,
		State:          it.State,
		Kind:           Kind(it.Kind),
		SignatureEmail: it.SignatureEmail,
		CreateTime:     it.CreateTime,
		ModifyTime:     it.ModifyTime,
		LastUseTime:    it.LastUseTime,
	}
}

// Filter selects items by their unencrypted attributes. Zero fields match
// everything.
type Filter struct {
	ShareID   string
	State     remote.ItemState
	LoginOnly bool
}

// ItemList is the result of a batch read. Corrupt records are reported
// individually instead of failing the read.
type ItemList struct {
	Items   []Item
	Corrupt []*DecodeError
}
