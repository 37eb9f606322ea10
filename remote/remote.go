// Package remote defines the contract of the vault server API: typed
// requests, responses, events and errors. Implementations live in
// remote/rest (HTTP) and remote/memserver (in-memory authority).
package remote

import (
	"context"
	"time"
)

// ItemState is the lifecycle state of an item.
type ItemState string

const (
	StateActive  ItemState = "active"
	StateTrashed ItemState = "trashed"
)

// Share is the server representation of a vault's access record.
type Share struct {
	ShareID           string    `json:"share_id"`
	VaultID           string    `json:"vault_id"`
	AddressID         string    `json:"address_id"`
	TargetType        string    `json:"target_type,omitzero"`
	TargetID          string    `json:"target_id,omitzero"`
	Permission        int       `json:"permission,omitzero"`
	SigningKey        []byte    `json:"signing_key"`
	SigningKeyWrap    []byte    `json:"signing_key_wrap,omitzero"`
	Content           []byte    `json:"content,omitzero"`
	ContentRotationID int64     `json:"content_rotation_id,omitzero"`
	Owner             bool      `json:"owner,omitzero"`
	Primary           bool      `json:"primary,omitzero"`
	CreateTime        time.Time `json:"create_time,omitzero"`
	ExpireTime        time.Time `json:"expire_time,omitzero"`
}

// ShareKey is one rotation of a share's key pair as served by the API.
type ShareKey struct {
	RotationID        int64     `json:"rotation_id"`
	VaultKey          []byte    `json:"vault_key"`
	VaultKeySignature []byte    `json:"vault_key_signature"`
	ItemKey           []byte    `json:"item_key"`
	ItemKeySignature  []byte    `json:"item_key_signature"`
	CreateTime        time.Time `json:"create_time,omitzero"`
}

// ShareKeysPage is one page of a share's key set.
type ShareKeysPage struct {
	Keys  []ShareKey `json:"keys"`
	Total int        `json:"total"`
}

// Item is the server representation of an encrypted item.
type Item struct {
	ItemID         string    `json:"item_id"`
	ShareID        string    `json:"share_id"`
	Revision       int64     `json:"revision"`
	RotationID     int64     `json:"rotation_id"`
	Content        []byte    `json:"content"`
	State          ItemState `json:"state"`
	Kind           string    `json:"kind"`
	SignatureEmail string    `json:"signature_email,omitzero"`
	CreateTime     time.Time `json:"create_time,omitzero"`
	ModifyTime     time.Time `json:"modify_time,omitzero"`
	LastUseTime    time.Time `json:"last_use_time,omitzero"`
}

// ItemsPage is one page of a share's items. An empty NextToken ends paging.
type ItemsPage struct {
	Items     []Item `json:"items"`
	NextToken string `json:"next_token,omitzero"`
}

// CreateShareRequest creates a vault. ShareID is proposed by the client
// because the initial keys are bound to it.
type CreateShareRequest struct {
	ShareID           string   `json:"share_id"`
	AddressID         string   `json:"address_id"`
	SigningKey        []byte   `json:"signing_key"`
	SigningKeyWrap    []byte   `json:"signing_key_wrap"`
	Content           []byte   `json:"content"`
	ContentRotationID int64    `json:"content_rotation_id"`
	Key               ShareKey `json:"key"`
}

// CreateItemRequest creates an item encrypted with RotationID.
type CreateItemRequest struct {
	RotationID     int64  `json:"rotation_id"`
	Content        []byte `json:"content"`
	Kind           string `json:"kind"`
	SignatureEmail string `json:"signature_email,omitzero"`
}

// UpdateItemRequest replaces item content. LastRevision must match the
// server's current revision.
type UpdateItemRequest struct {
	ItemID       string `json:"item_id"`
	LastRevision int64  `json:"last_revision"`
	RotationID   int64  `json:"rotation_id"`
	Content      []byte `json:"content"`
}

// ItemRevision identifies an item at a given revision for state changes.
type ItemRevision struct {
	ItemID   string `json:"item_id"`
	Revision int64  `json:"revision"`
}

// EventKind classifies a server event.
type EventKind string

const (
	EventKeyRotated   EventKind = "key_rotated"
	EventShareUpdated EventKind = "share_updated"
	EventShareDeleted EventKind = "share_deleted"
	EventItemUpserted EventKind = "item_upserted"
	EventItemDeleted  EventKind = "item_deleted"
	EventItemLastUsed EventKind = "item_last_used"
)

// Event is one server-reported change within a share.
type Event struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Kind        EventKind `json:"kind"`
	ShareID     string    `json:"share_id"`
	Share       *Share    `json:"share,omitzero"`
	Item        *Item     `json:"item,omitzero"`
	ItemID      string    `json:"item_id,omitzero"`
	RotationID  int64     `json:"rotation_id,omitzero"`
	LastUseTime time.Time `json:"last_use_time,omitzero"`
}

// EventsPage is a batch of events strictly after a cursor, in server order.
// FullRefresh reports that the cursor is unknown to the server and the
// share must be resynchronised from scratch.
type EventsPage struct {
	Events      []Event `json:"events"`
	LastEventID string  `json:"last_event_id"`
	LastSeq     int64   `json:"last_seq"`
	More        bool    `json:"more,omitzero"`
	FullRefresh bool    `json:"full_refresh,omitzero"`
}

// LatestEvent is the newest event of a share.
type LatestEvent struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq"`
}

// Client is the vault server API. Every call is scoped to the user whose
// session authorises it.
type Client interface {
	GetShares(ctx context.Context, userID string) ([]Share, error)
	GetShare(ctx context.Context, userID, shareID string) (Share, error)
	CreateShare(ctx context.Context, userID string, req CreateShareRequest) (Share, error)
	GetShareKeys(ctx context.Context, userID, shareID string, page, pageSize int) (ShareKeysPage, error)

	GetItems(ctx context.Context, userID, shareID, token string) (ItemsPage, error)
	GetItem(ctx context.Context, userID, shareID, itemID string) (Item, error)
	CreateItem(ctx context.Context, userID, shareID string, req CreateItemRequest) (Item, error)
	UpdateItem(ctx context.Context, userID, shareID string, req UpdateItemRequest) (Item, error)
	TrashItems(ctx context.Context, userID, shareID string, items []ItemRevision) ([]Item, error)
	UntrashItems(ctx context.Context, userID, shareID string, items []ItemRevision) ([]Item, error)
	DeleteItems(ctx context.Context, userID, shareID string, items []ItemRevision) error
	UpdateLastUseTime(ctx context.Context, userID, shareID, itemID string, at time.Time) (Item, error)

	GetLatestEventID(ctx context.Context, userID, shareID string) (LatestEvent, error)
	GetEvents(ctx context.Context, userID, shareID, sinceEventID string) (EventsPage, error)
}

// LoginResponse is returned by the development login endpoint.
type LoginResponse struct {
	UserID       string       `json:"user_id"`
	SessionID    string       `json:"session_id"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	Scopes       []string     `json:"scopes,omitzero"`
	Addresses    []AddressKey `json:"addresses"`
}

// AddressKey carries an address private key to a freshly logged-in device.
type AddressKey struct {
	AddressID  string `json:"address_id"`
	PrivateKey []byte `json:"private_key"`
}

// RefreshPolicy tells a repository when to consult the server.
type RefreshPolicy int

const (
	// CacheFirst serves local state and only calls the server on a miss.
	CacheFirst RefreshPolicy = iota
	// ForceRefresh always calls the server before answering.
	ForceRefresh
)

func (p RefreshPolicy) String() string {
	if p == ForceRefresh {
		return "force_refresh"
	}
	return "cache_first"
}
