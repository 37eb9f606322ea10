package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmcleod/keysync/storage"
)

const (
	vaultKeysCollection = "vault_keys"
	itemKeysCollection  = "item_keys"

	attrUserID   = "user_id"
	attrShareID  = "share_id"
	attrRotation = "rotation"
)

type keyRecord interface {
	VaultKey | ItemKey
	ident() ident
}

// repo caches one half of the rotation pair per (user, share, rotation).
// Keys are only removed by whole-share or whole-user teardown.
type repo[T keyRecord] struct {
	store      storage.Store
	collection string
}

// VaultKeys is the local cache of vault keys.
type VaultKeys struct {
	repo[VaultKey]
}

// ItemKeys is the local cache of item keys.
type ItemKeys struct {
	repo[ItemKey]
}

// NewVaultKeys returns a vault key cache over store.
func NewVaultKeys(store storage.Store) *VaultKeys {
	return &VaultKeys{repo[VaultKey]{store: store, collection: vaultKeysCollection}}
}

// NewItemKeys returns an item key cache over store.
func NewItemKeys(store storage.Store) *ItemKeys {
	return &ItemKeys{repo[ItemKey]{store: store, collection: itemKeysCollection}}
}

// Get returns the key for a rotation. ok is false when none is cached.
func (r *repo[T]) Get(ctx context.Context, userID, shareID string, rotation int64) (k T, ok bool, err error) {
	id := ident{userID, shareID, rotation}.recordID()
	recs, err := r.store.Get(ctx, r.collection, storage.WhereID(id))
	if err != nil {
		return k, false, fmt.Errorf("reading %s: %w", r.collection, err)
	}
	if len(recs) == 0 {
		return k, false, nil
	}
	if err := json.Unmarshal(recs[0].Data, &k); err != nil {
		return k, false, fmt.Errorf("decoding %s %s: %w", r.collection, id, err)
	}
	return k, true, nil
}

// List returns every cached rotation of a share in ascending rotation order.
func (r *repo[T]) List(ctx context.Context, userID, shareID string) ([]T, error) {
	recs, err := r.store.Get(ctx, r.collection, storage.And(
		storage.Where(attrUserID, userID),
		storage.Where(attrShareID, shareID),
	))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.collection, err)
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var k T
		if err := json.Unmarshal(rec.Data, &k); err != nil {
			return nil, fmt.Errorf("decoding %s %s: %w", r.collection, rec.ID, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// Upsert stores keys keyed by (user, share, rotation).
func (r *repo[T]) Upsert(ctx context.Context, keys ...T) error {
	recs, err := r.records(keys)
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, r.collection, recs...)
}

func (r *repo[T]) upsertTx(tx storage.Tx, keys ...T) error {
	recs, err := r.records(keys)
	if err != nil {
		return err
	}
	return tx.Upsert(r.collection, recs...)
}

func (r *repo[T]) records(keys []T) ([]storage.Record, error) {
	recs := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		id := k.ident()
		data, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", r.collection, err)
		}
		recs = append(recs, storage.Record{
			ID: id.recordID(),
			Attrs: map[string]string{
				attrUserID:   id.userID,
				attrShareID:  id.shareID,
				attrRotation: strconv.FormatInt(id.rotation, 10),
			},
			Data: data,
		})
	}
	return recs, nil
}

// DeleteShare removes every rotation of a share. Used only for share teardown.
func (r *repo[T]) DeleteShare(ctx context.Context, userID, shareID string) (int, error) {
	return r.store.Delete(ctx, r.collection, storage.And(
		storage.Where(attrUserID, userID),
		storage.Where(attrShareID, shareID),
	))
}

// DeleteUser removes every key of a user. Used only on logout.
func (r *repo[T]) DeleteUser(ctx context.Context, userID string) (int, error) {
	return r.store.Delete(ctx, r.collection, storage.Where(attrUserID, userID))
}
