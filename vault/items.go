package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/storage"
)

const (
	itemsCollection = "items"

	attrItemID  = "item_id"
	attrState   = "state"
	attrKind    = "kind"
	attrIsLogin = "is_login"

	attrLastUseUnsent = "last_use_unsent"
)

// Items is the item repository. Stored records carry the item content in a
// local envelope sealed with a per-user key derived from the device-local
// key, on top of the end-to-end encryption.
type Items struct {
	client   remote.Client
	store    storage.Store
	resolver *keys.Resolver
	device   *memguard.Enclave
	opts     options

	mu        sync.Mutex
	localKeys map[string]key.Key
}

// NewItems returns an item repository.
func NewItems(client remote.Client, store storage.Store, resolver *keys.Resolver, device *memguard.Enclave, opts ...Option) *Items {
	return &Items{
		client:    client,
		store:     store,
		resolver:  resolver,
		device:    device,
		opts:      newOptions(opts),
		localKeys: make(map[string]key.Key),
	}
}

// Get returns an item. With CacheFirst the server is only asked on a local
// miss. If the server cannot be reached the cached item is returned.
func (r *Items) Get(ctx context.Context, userID, shareID, itemID string, policy remote.RefreshPolicy) (Item, error) {
	if err := validateID(shareID, "share ID"); err != nil {
		return Item{}, err
	}
	if err := validateID(itemID, "item ID"); err != nil {
		return Item{}, err
	}
	cached, found, err := r.local(ctx, userID, shareID, itemID)
	if err != nil {
		return Item{}, err
	}
	if found && policy == remote.CacheFirst {
		return cached, nil
	}

	ri, err := r.client.GetItem(ctx, userID, shareID, itemID)
	switch {
	case remote.IsNotFound(err):
		if found {
			if _, err := r.ApplyDeletes(ctx, userID, shareID, []string{itemID}); err != nil {
				return Item{}, err
			}
		}
		return Item{}, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
	case err != nil && found:
		r.opts.logger.Warn("item refresh failed, serving cached copy",
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
		return cached, nil
	case err != nil:
		return Item{}, &FetchError{Resource: "item", ID: itemID, Err: err}
	}

	if err := r.ApplyUpserts(ctx, userID, shareID, []remote.Item{ri}); err != nil {
		return Item{}, err
	}
	return r.persisted(ctx, userID, shareID, itemID)
}

// List returns the cached items matching f. Attributes are matched before
// any record is decoded, and a record that fails to decode is reported in
// ItemList.Corrupt without failing the read.
func (r *Items) List(ctx context.Context, userID string, f Filter) (ItemList, error) {
	preds := []storage.Predicate{storage.Where(attrUserID, userID)}
	if f.ShareID != "" {
		preds = append(preds, storage.Where(attrShareID, f.ShareID))
	}
	if f.State != "" {
		preds = append(preds, storage.Where(attrState, string(f.State)))
	}
	if f.LoginOnly {
		preds = append(preds, storage.Where(attrIsLogin, "true"))
	}
	recs, err := r.store.Get(ctx, itemsCollection, storage.And(preds...))
	if err != nil {
		return ItemList{}, fmt.Errorf("reading items: %w", err)
	}

	var list ItemList
	for _, rec := range recs {
		it, err := r.decode(rec)
		if err != nil {
			de, ok := errors.AsType[*DecodeError](err)
			if !ok {
				return ItemList{}, err
			}
			r.opts.logger.Warn("skipping corrupt item record",
				slog.String("id", rec.ID),
				slog.String("error", de.Err.Error()),
			)
			list.Corrupt = append(list.Corrupt, de)
			continue
		}
		list.Items = append(list.Items, it)
	}
	return list, nil
}

// Decrypt returns the plaintext content of an item.
func (r *Items) Decrypt(ctx context.Context, it Item) ([]byte, error) {
	return r.resolver.Decrypt(ctx, it.UserID, keys.EncryptedItem{
		ShareID:    it.ShareID,
		ItemID:     it.ItemID,
		RotationID: it.RotationID,
		Content:    it.Content,
	})
}

// Create encrypts plaintext under the share's newest rotation and creates
// the item on the server before caching it. A failure to cache is logged;
// the next sync pass picks the item up from the event log.
func (r *Items) Create(ctx context.Context, userID, shareID string, kind Kind, plaintext []byte) (Item, error) {
	if err := validateID(shareID, "share ID"); err != nil {
		return Item{}, err
	}
	if err := validateKind(kind); err != nil {
		return Item{}, err
	}
	if err := validateContent(plaintext); err != nil {
		return Item{}, err
	}

	ct, err := r.resolver.Encrypt(ctx, userID, shareID, plaintext)
	if err != nil {
		return Item{}, err
	}
	ri, err := r.client.CreateItem(ctx, userID, shareID, remote.CreateItemRequest{
		RotationID:     ct.RotationID,
		Content:        ct.Content,
		Kind:           string(kind),
		SignatureEmail: util.NormalizeIdentifier(userID),
	})
	if err != nil {
		return Item{}, fmt.Errorf("creating item: %w", err)
	}
	return r.afterWrite(ctx, userID, ri)
}

// Update replaces an item's content. The server rejects the write if it
// holds a newer revision than it.Revision.
func (r *Items) Update(ctx context.Context, it Item, plaintext []byte) (Item, error) {
	if err := validateContent(plaintext); err != nil {
		return Item{}, err
	}
	ct, err := r.resolver.Encrypt(ctx, it.UserID, it.ShareID, plaintext)
	if err != nil {
		return Item{}, err
	}
	ri, err := r.client.UpdateItem(ctx, it.UserID, it.ShareID, remote.UpdateItemRequest{
		ItemID:       it.ItemID,
		LastRevision: it.Revision,
		RotationID:   ct.RotationID,
		Content:      ct.Content,
	})
	if err != nil {
		return Item{}, fmt.Errorf("updating item %s: %w", it.ItemID, err)
	}
	return r.afterWrite(ctx, it.UserID, ri)
}

// Trash moves items to the trash on the server, then locally.
func (r *Items) Trash(ctx context.Context, items ...Item) ([]Item, error) {
	return r.setState(ctx, items, r.client.TrashItems)
}

// Untrash restores trashed items on the server, then locally.
func (r *Items) Untrash(ctx context.Context, items ...Item) ([]Item, error) {
	return r.setState(ctx, items, r.client.UntrashItems)
}

type stateFunc func(ctx context.Context, userID, shareID string, items []remote.ItemRevision) ([]remote.Item, error)

func (r *Items) setState(ctx context.Context, items []Item, call stateFunc) ([]Item, error) {
	var out []Item
	for g, group := range groupByShare(items) {
		revs := make([]remote.ItemRevision, 0, len(group))
		for _, it := range group {
			revs = append(revs, it.revision())
		}
		updated, err := call(ctx, g.userID, g.shareID, revs)
		if err != nil {
			return out, err
		}
		if err := r.ApplyUpserts(ctx, g.userID, g.shareID, updated); err != nil {
			return out, err
		}
		for _, ri := range updated {
			it, err := r.persisted(ctx, g.userID, g.shareID, ri.ItemID)
			if err != nil {
				return out, err
			}
			out = append(out, it)
		}
	}
	return out, nil
}

// Delete permanently removes items on the server, then locally.
func (r *Items) Delete(ctx context.Context, items ...Item) error {
	for g, group := range groupByShare(items) {
		revs := make([]remote.ItemRevision, 0, len(group))
		ids := make([]string, 0, len(group))
		for _, it := range group {
			revs = append(revs, it.revision())
			ids = append(ids, it.ItemID)
		}
		if err := r.client.DeleteItems(ctx, g.userID, g.shareID, revs); err != nil {
			return fmt.Errorf("deleting items: %w", err)
		}
		if _, err := r.ApplyDeletes(ctx, g.userID, g.shareID, ids); err != nil {
			return err
		}
	}
	return nil
}

// MarkUsed records that an item was used. The local copy is updated first
// and the server is told on a best-effort basis. A time the server did not
// take stays marked and is sent again by FlushLastUse.
func (r *Items) MarkUsed(ctx context.Context, it Item) (Item, error) {
	at := r.opts.now().UTC()
	if err := r.recordLastUse(ctx, it.UserID, it.ShareID, it.ItemID, at, true); err != nil {
		return Item{}, err
	}
	if err := r.sendLastUse(ctx, it.UserID, it.ShareID, it.ItemID, at); err != nil {
		r.opts.logger.Warn("last use not sent, will retry on sync",
			slog.String("item_id", it.ItemID),
			slog.String("error", err.Error()),
		)
	}
	return r.persisted(ctx, it.UserID, it.ShareID, it.ItemID)
}

// FlushLastUse sends the share's last-use times that never reached the
// server and returns how many were sent. A time the server rejects for good,
// for example because the item is gone, is dropped from the queue.
func (r *Items) FlushLastUse(ctx context.Context, userID, shareID string) (int, error) {
	recs, err := r.store.Get(ctx, itemsCollection, storage.And(
		sharePredicate(userID, shareID),
		storage.Where(attrLastUseUnsent, "true"),
	))
	if err != nil {
		return 0, fmt.Errorf("reading unsent last use: %w", err)
	}
	sent := 0
	for _, rec := range recs {
		it, err := r.decode(rec)
		if err != nil {
			if _, ok := errors.AsType[*DecodeError](err); ok {
				continue
			}
			return sent, err
		}
		err = r.sendLastUse(ctx, userID, shareID, it.ItemID, it.LastUseTime)
		switch {
		case err == nil:
			sent++
		case rejected(err):
			r.opts.logger.Warn("last use rejected by server",
				slog.String("item_id", it.ItemID),
				slog.String("error", err.Error()),
			)
			if err := r.recordLastUse(ctx, userID, shareID, it.ItemID, it.LastUseTime, false); err != nil {
				return sent, err
			}
		default:
			return sent, fmt.Errorf("sending last use of item %s: %w", it.ItemID, err)
		}
	}
	return sent, nil
}

func (r *Items) sendLastUse(ctx context.Context, userID, shareID, itemID string, at time.Time) error {
	if _, err := r.client.UpdateLastUseTime(ctx, userID, shareID, itemID, at); err != nil {
		return err
	}
	return r.recordLastUse(ctx, userID, shareID, itemID, at, false)
}

// rejected reports a client error the server will answer the same way next
// time.
func rejected(err error) bool {
	if errors.Is(err, remote.ErrSessionInvalid) {
		return false
	}
	apiErr, ok := errors.AsType[*remote.APIError](err)
	return ok && apiErr.Status >= 400 && apiErr.Status < 500
}

// ApplyUpserts stores server items for a share. A stored item at a newer
// revision is kept, and the later of the two last-use times wins.
func (r *Items) ApplyUpserts(ctx context.Context, userID, shareID string, items []remote.Item) error {
	if len(items) == 0 {
		return nil
	}
	err := r.store.Batch(ctx, func(tx storage.Tx) error {
		for _, ri := range items {
			incoming := itemFromRemote(userID, ri)
			incoming.ShareID = shareID
			recs, err := tx.Get(itemsCollection, storage.WhereID(itemRecordID(userID, shareID, ri.ItemID)))
			if err != nil {
				return err
			}
			if len(recs) > 0 {
				if existing, err := r.decode(recs[0]); err == nil {
					if existing.Revision > incoming.Revision {
						continue
					}
					mergeLastUse(&incoming, existing)
				}
			}
			rec, err := r.encode(incoming)
			if err != nil {
				return err
			}
			if err := tx.Upsert(itemsCollection, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing items of share %s: %w", shareID, err)
	}
	return nil
}

// ApplyDeletes removes items of a share locally and returns how many were
// present. Delete events remove the record outright; no tombstone is kept.
func (r *Items) ApplyDeletes(ctx context.Context, userID, shareID string, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	ids := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		ids[itemRecordID(userID, shareID, id)] = true
	}
	n, err := r.store.Delete(ctx, itemsCollection, func(rec storage.Record) bool {
		return ids[rec.ID]
	})
	if err != nil {
		return 0, fmt.Errorf("deleting items of share %s: %w", shareID, err)
	}
	return n, nil
}

// ApplyLastUse moves an item's last-use time forward. Unknown items and
// older times are ignored.
func (r *Items) ApplyLastUse(ctx context.Context, userID, shareID, itemID string, at time.Time) error {
	return r.recordLastUse(ctx, userID, shareID, itemID, at, false)
}

// recordLastUse stores at if it is later than the cached time. A server
// time equal to a pending local one acknowledges it.
func (r *Items) recordLastUse(ctx context.Context, userID, shareID, itemID string, at time.Time, unsent bool) error {
	err := r.store.Batch(ctx, func(tx storage.Tx) error {
		recs, err := tx.Get(itemsCollection, storage.WhereID(itemRecordID(userID, shareID, itemID)))
		if err != nil || len(recs) == 0 {
			return err
		}
		it, err := r.decode(recs[0])
		if err != nil {
			return err
		}
		switch {
		case at.After(it.LastUseTime):
			it.LastUseTime = at.UTC()
			it.LastUseUnsent = unsent
		case at.Equal(it.LastUseTime) && it.LastUseUnsent && !unsent:
			it.LastUseUnsent = false
		default:
			return nil
		}
		rec, err := r.encode(it)
		if err != nil {
			return err
		}
		return tx.Upsert(itemsCollection, rec)
	})
	if err != nil {
		return fmt.Errorf("recording last use of item %s: %w", itemID, err)
	}
	return nil
}

// Resync replaces every cached item of a share with the server's full item
// list. Later local last-use times survive, together with their pending
// mark. It returns the number of items stored.
func (r *Items) Resync(ctx context.Context, userID, shareID string) (int, error) {
	var all []remote.Item
	token := ""
	for {
		page, err := r.client.GetItems(ctx, userID, shareID, token)
		if err != nil {
			return 0, fmt.Errorf("fetching items of share %s: %w", shareID, err)
		}
		all = append(all, page.Items...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	err := r.store.Batch(ctx, func(tx storage.Tx) error {
		old, err := tx.Get(itemsCollection, sharePredicate(userID, shareID))
		if err != nil {
			return err
		}
		cached := make(map[string]Item, len(old))
		for _, rec := range old {
			if it, err := r.decode(rec); err == nil {
				cached[it.ItemID] = it
			}
		}

		recs := make([]storage.Record, 0, len(all))
		for _, ri := range all {
			it := itemFromRemote(userID, ri)
			it.ShareID = shareID
			if existing, ok := cached[it.ItemID]; ok {
				mergeLastUse(&it, existing)
			}
			rec, err := r.encode(it)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		if _, err := tx.Delete(itemsCollection, sharePredicate(userID, shareID)); err != nil {
			return err
		}
		return tx.Upsert(itemsCollection, recs...)
	})
	if err != nil {
		return 0, fmt.Errorf("storing items of share %s: %w", shareID, err)
	}
	r.opts.logger.Debug("share items resynced",
		slog.String("share_id", shareID),
		slog.Int("items", len(all)),
	)
	return len(all), nil
}

// mergeLastUse keeps the later of the two last-use times.
func mergeLastUse(incoming *Item, existing Item) {
	if existing.LastUseTime.After(incoming.LastUseTime) {
		incoming.LastUseTime = existing.LastUseTime
		incoming.LastUseUnsent = existing.LastUseUnsent
	}
}

// DeleteShare drops every cached item of a share.
func (r *Items) DeleteShare(ctx context.Context, userID, shareID string) error {
	_, err := r.store.Delete(ctx, itemsCollection, sharePredicate(userID, shareID))
	return err
}

// DeleteUser drops every cached item of a user and wipes their local key.
func (r *Items) DeleteUser(ctx context.Context, userID string) error {
	if _, err := r.store.Delete(ctx, itemsCollection, storage.Where(attrUserID, userID)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.localKeys[userID]; ok {
		k.Destroy()
		delete(r.localKeys, userID)
	}
	return nil
}

// Close wipes every derived local key.
func (r *Items) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, k := range r.localKeys {
		k.Destroy()
		delete(r.localKeys, id)
	}
}

func (r *Items) afterWrite(ctx context.Context, userID string, ri remote.Item) (Item, error) {
	if err := r.ApplyUpserts(ctx, userID, ri.ShareID, []remote.Item{ri}); err != nil {
		r.opts.logger.Error("item written remotely but not cached",
			slog.String("item_id", ri.ItemID),
			slog.String("error", err.Error()),
		)
		return itemFromRemote(userID, ri), nil
	}
	return r.persisted(ctx, userID, ri.ShareID, ri.ItemID)
}

func (r *Items) persisted(ctx context.Context, userID, shareID, itemID string) (Item, error) {
	it, found, err := r.local(ctx, userID, shareID, itemID)
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
	}
	return it, nil
}

func (r *Items) local(ctx context.Context, userID, shareID, itemID string) (Item, bool, error) {
	recs, err := r.store.Get(ctx, itemsCollection, storage.WhereID(itemRecordID(userID, shareID, itemID)))
	if err != nil {
		return Item{}, false, fmt.Errorf("reading item %s: %w", itemID, err)
	}
	if len(recs) == 0 {
		return Item{}, false, nil
	}
	it, err := r.decode(recs[0])
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (r *Items) encode(it Item) (storage.Record, error) {
	k, err := r.localKey(it.UserID)
	if err != nil {
		return storage.Record{}, err
	}
	env, err := storage.SealRecord(k, it.Content, icrypto.AADLocalItem(it.UserID, it.ShareID, it.ItemID))
	if err != nil {
		return storage.Record{}, fmt.Errorf("sealing item %s: %w", it.ItemID, err)
	}
	wrapped, err := env.Bytes()
	if err != nil {
		return storage.Record{}, err
	}
	stored := it
	stored.Content = wrapped
	data, err := json.Marshal(stored)
	if err != nil {
		return storage.Record{}, fmt.Errorf("encoding item %s: %w", it.ItemID, err)
	}
	return storage.Record{
		ID: itemRecordID(it.UserID, it.ShareID, it.ItemID),
		Attrs: map[string]string{
			attrUserID:  it.UserID,
			attrShareID: it.ShareID,
			attrItemID:  it.ItemID,
			attrState:   string(it.State),
			attrKind:    string(it.Kind),
			attrIsLogin: strconv.FormatBool(it.IsLogin()),

			attrLastUseUnsent: strconv.FormatBool(it.LastUseUnsent),
		},
		Data: data,
	}, nil
}

// decode returns a *DecodeError for any record-level problem, including a
// local envelope that does not open.
func (r *Items) decode(rec storage.Record) (Item, error) {
	fail := func(err error) (Item, error) {
		return Item{}, &DecodeError{Collection: itemsCollection, ID: rec.ID, Err: err}
	}
	var it Item
	if err := json.Unmarshal(rec.Data, &it); err != nil {
		return fail(err)
	}
	switch {
	case it.UserID == "":
		return fail(errors.New("missing user_id"))
	case it.ShareID == "":
		return fail(errors.New("missing share_id"))
	case it.ItemID == "":
		return fail(errors.New("missing item_id"))
	case it.RotationID <= 0:
		return fail(errors.New("missing rotation_id"))
	case len(it.Content) == 0:
		return fail(errors.New("missing content"))
	}

	env, err := storage.ParseEnvelope(it.Content)
	if err != nil {
		return fail(err)
	}
	k, err := r.localKey(it.UserID)
	if err != nil {
		return Item{}, err
	}
	content, err := storage.OpenRecord(k, env, icrypto.AADLocalItem(it.UserID, it.ShareID, it.ItemID))
	if err != nil {
		return fail(err)
	}
	it.Content = content
	return it, nil
}

func (r *Items) localKey(userID string) (key.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.localKeys[userID]; ok {
		return k, nil
	}
	k, err := crypto.LocalItemKey(r.device, userID)
	if err != nil {
		return nil, err
	}
	r.localKeys[userID] = k
	return k, nil
}

type shareRef struct {
	userID  string
	shareID string
}

func groupByShare(items []Item) map[shareRef][]Item {
	groups := make(map[shareRef][]Item)
	for _, it := range items {
		g := shareRef{it.UserID, it.ShareID}
		groups[g] = append(groups[g], it)
	}
	return groups
}

func sharePredicate(userID, shareID string) storage.Predicate {
	return storage.And(storage.Where(attrUserID, userID), storage.Where(attrShareID, shareID))
}

func itemRecordID(userID, shareID, itemID string) string {
	return userID + "/" + shareID + "/" + itemID
}
