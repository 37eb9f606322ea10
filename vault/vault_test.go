package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/crypto"
	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/remote/memserver"
	"github.com/jmcleod/keysync/storage"
	"github.com/jmcleod/keysync/storage/memory"
)

const user = "alice"

type testEnv struct {
	server    *memserver.Server
	store     *memory.Store
	resolver  *keys.Resolver
	shares    *Shares
	items     *Items
	addressID string
	shareID   string
	torn      []string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	srv := memserver.New()
	shareID, err := srv.SeedShare(user, memserver.ShareContent{Name: "Personal"})
	require.NoError(t, err)
	ak, err := srv.AddressKey(user)
	require.NoError(t, err)
	ring := crypto.NewKeyring()
	ring.Add(user, ak)

	store := memory.NewStore()
	vks, iks := keys.NewVaultKeys(store), keys.NewItemKeys(store)
	env := &testEnv{server: srv, store: store, addressID: ak.ID(), shareID: shareID}
	info := keys.ShareInfoFunc(func(ctx context.Context, userID, shareID string) (keys.ShareKeyInfo, error) {
		return env.shares.ShareKeyInfo(ctx, userID, shareID)
	})
	env.resolver = keys.NewResolver(vks, iks, keys.NewFetcher(srv, store, vks, iks), info, ring)
	env.shares = NewShares(srv, store, env.resolver, ring, opts...)
	env.items = NewItems(srv, store, env.resolver, memguard.NewEnclaveRandom(32), opts...)
	t.Cleanup(env.items.Close)

	env.shares.OnTeardown(env.resolver.DeleteShare)
	env.shares.OnTeardown(env.items.DeleteShare)
	env.shares.OnTeardown(func(_ context.Context, _, shareID string) error {
		env.torn = append(env.torn, shareID)
		return nil
	})
	return env
}

func TestSharesCacheFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	list, err := env.shares.List(ctx, user, remote.CacheFirst)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, env.shareID, list[0].ShareID)
	assert.Equal(t, user, list[0].UserID)
	assert.True(t, list[0].Primary)

	env.server.ResetCalls()
	_, err = env.shares.List(ctx, user, remote.CacheFirst)
	require.NoError(t, err)
	sh, err := env.shares.Get(ctx, user, env.shareID, remote.CacheFirst)
	require.NoError(t, err)
	assert.Zero(t, env.server.TotalCalls())

	content, err := env.shares.Contents(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "Personal", content.Name)

	require.NoError(t, env.server.UpdateShareContent(env.shareID, memserver.ShareContent{Name: "Renamed"}))
	sh, err = env.shares.Get(ctx, user, env.shareID, remote.ForceRefresh)
	require.NoError(t, err)
	assert.Equal(t, 1, env.server.Calls("GetShare"))
	content, err = env.shares.Contents(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", content.Name)
}

func TestSharesGracefulDegradation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	env.server.SetUnavailable(true)
	_, err := env.shares.List(ctx, user, remote.CacheFirst)
	fe, ok := errors.AsType[*FetchError](err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "shares", fe.Resource)
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	_, err = env.shares.Get(ctx, user, env.shareID, remote.CacheFirst)
	assert.ErrorAs(t, err, &fe)

	env.server.SetUnavailable(false)
	_, err = env.shares.List(ctx, user, remote.CacheFirst)
	require.NoError(t, err)

	env.server.SetUnavailable(true)
	list, err := env.shares.List(ctx, user, remote.ForceRefresh)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	sh, err := env.shares.Get(ctx, user, env.shareID, remote.ForceRefresh)
	require.NoError(t, err)
	assert.Equal(t, env.shareID, sh.ShareID)
}

func TestSharesRefreshTearsDownRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	added, removed, err := env.shares.Refresh(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{env.shareID}, added)
	assert.Empty(t, removed)

	_, err = env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)
	_, err = env.items.Resync(ctx, user, env.shareID)
	require.NoError(t, err)
	_, _, err = env.resolver.ResolveShareKey(ctx, user, env.shareID, remote.CacheFirst)
	require.NoError(t, err)

	second, err := env.server.SeedShare(user, memserver.ShareContent{Name: "Work"})
	require.NoError(t, err)
	require.NoError(t, env.server.DeleteShare(env.shareID))

	added, removed, err = env.shares.Refresh(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{second}, added)
	assert.Equal(t, []string{env.shareID}, removed)
	assert.Equal(t, []string{env.shareID}, env.torn)
	assert.Zero(t, env.store.Count(itemsCollection))
	vks, err := keys.NewVaultKeys(env.store).List(ctx, user, env.shareID)
	require.NoError(t, err)
	assert.Empty(t, vks)
}

func TestCreateVault(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	sh, err := env.shares.CreateVault(ctx, user, env.addressID, VaultContent{Name: "Travel", Color: "blue"})
	require.NoError(t, err)
	assert.Equal(t, env.addressID, sh.AddressID)
	assert.True(t, sh.Owner)

	env.server.ResetCalls()
	content, err := env.shares.Contents(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, VaultContent{Name: "Travel", Color: "blue"}, content)

	it, err := env.items.Create(ctx, user, sh.ShareID, KindLogin, []byte("pw"))
	require.NoError(t, err)
	assert.Zero(t, env.server.Calls("GetShareKeys"), "new vault keys are cached at creation")
	stored, err := env.server.ItemContent(sh.ShareID, it.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(stored))

	// The server holds the signing key and can rotate on its own.
	_, err = env.server.RotateShareKey(sh.ShareID)
	require.NoError(t, err)

	_, err = env.shares.CreateVault(ctx, user, env.addressID, VaultContent{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestItemLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	ctx := t.Context()

	created, err := env.items.Create(ctx, user, env.shareID, KindLogin, []byte(`{"user":"a","pass":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Revision)
	assert.True(t, created.IsLogin())
	assert.True(t, created.Active())

	plain, err := env.items.Decrypt(ctx, created)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"a","pass":"b"}`, string(plain))

	updated, err := env.items.Update(ctx, created, []byte(`{"user":"a","pass":"c"}`))
	require.NoError(t, err)
	assert.Greater(t, updated.Revision, created.Revision)

	_, err = env.items.Update(ctx, created, []byte("stale"))
	apiErr, ok := errors.AsType[*remote.APIError](err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, remote.CodeRevisionMismatch, apiErr.Code)

	trashed, err := env.items.Trash(ctx, updated)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, remote.StateTrashed, trashed[0].State)

	active, err := env.items.List(ctx, user, Filter{State: remote.StateActive})
	require.NoError(t, err)
	assert.Empty(t, active.Items)

	restored, err := env.items.Untrash(ctx, trashed...)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.True(t, restored[0].Active())

	env.server.SetUnavailable(true)
	used, err := env.items.MarkUsed(ctx, restored[0])
	require.NoError(t, err, "last use is recorded locally when offline")
	assert.True(t, used.LastUseTime.Equal(now))
	assert.Equal(t, restored[0].Revision, used.Revision)
	env.server.SetUnavailable(false)

	require.NoError(t, env.items.Delete(ctx, used))
	_, err = env.items.Get(ctx, user, env.shareID, used.ItemID, remote.CacheFirst)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestItemGetDegradation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	ri, err := env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)

	env.server.SetUnavailable(true)
	_, err = env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	fe, ok := errors.AsType[*FetchError](err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, ri.ItemID, fe.ID)

	env.server.SetUnavailable(false)
	got, err := env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	require.NoError(t, err)
	assert.Equal(t, ri.Revision, got.Revision)

	_, err = env.server.EditItem(env.shareID, ri.ItemID, []byte("n2"))
	require.NoError(t, err)
	env.server.SetUnavailable(true)
	got, err = env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.ForceRefresh)
	require.NoError(t, err)
	assert.Equal(t, ri.Revision, got.Revision, "cached copy served while offline")

	env.server.SetUnavailable(false)
	got, err = env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.ForceRefresh)
	require.NoError(t, err)
	assert.Greater(t, got.Revision, ri.Revision)
	plain, err := env.items.Decrypt(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "n2", string(plain))

	require.NoError(t, env.server.RemoveItem(env.shareID, ri.ItemID))
	_, err = env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.ForceRefresh)
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Zero(t, env.store.Count(itemsCollection))
}

func TestListSkipsCorruptRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	for i := range 10 {
		_, err := env.server.PutItem(env.shareID, "login", fmt.Appendf(nil, "item-%d", i))
		require.NoError(t, err)
	}
	n, err := env.items.Resync(ctx, user, env.shareID)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	recs, err := env.store.Get(ctx, itemsCollection, storage.All())
	require.NoError(t, err)
	victim := recs[3]
	var fields map[string]any
	require.NoError(t, json.Unmarshal(victim.Data, &fields))
	delete(fields, "rotation_id")
	victim.Data, err = json.Marshal(fields)
	require.NoError(t, err)
	require.NoError(t, env.store.Upsert(ctx, itemsCollection, victim))

	list, err := env.items.List(ctx, user, Filter{ShareID: env.shareID})
	require.NoError(t, err)
	assert.Len(t, list.Items, 9)
	require.Len(t, list.Corrupt, 1)
	assert.Equal(t, victim.ID, list.Corrupt[0].ID)
	assert.Contains(t, list.Corrupt[0].Error(), "rotation_id")

	for _, it := range list.Items {
		plain, err := env.items.Decrypt(ctx, it)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(plain), "item-"))
	}
}

func TestListFiltersLoginsWithoutDecoding(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	login, err := env.server.PutItem(env.shareID, "login", []byte("l"))
	require.NoError(t, err)
	_, err = env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)
	_, err = env.items.Resync(ctx, user, env.shareID)
	require.NoError(t, err)

	// A corrupt note is never decoded by a login-only listing.
	recs, err := env.store.Get(ctx, itemsCollection, storage.Where(attrKind, "note"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Data = []byte("{")
	require.NoError(t, env.store.Upsert(ctx, itemsCollection, recs[0]))

	list, err := env.items.List(ctx, user, Filter{LoginOnly: true, State: remote.StateActive})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, login.ItemID, list.Items[0].ItemID)
	assert.Empty(t, list.Corrupt)
}

func TestApplyUpsertsKeepsNewerState(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	ri, err := env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)
	later := time.Now().Add(time.Hour).UTC()

	require.NoError(t, env.items.ApplyUpserts(ctx, user, env.shareID, []remote.Item{ri}))
	require.NoError(t, env.items.ApplyLastUse(ctx, user, env.shareID, ri.ItemID, later))

	newer := ri
	newer.Revision = ri.Revision + 1
	require.NoError(t, env.items.ApplyUpserts(ctx, user, env.shareID, []remote.Item{newer}))
	require.NoError(t, env.items.ApplyUpserts(ctx, user, env.shareID, []remote.Item{ri}))

	got, err := env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	require.NoError(t, err)
	assert.Equal(t, newer.Revision, got.Revision)
	assert.True(t, got.LastUseTime.Equal(later))

	require.NoError(t, env.items.ApplyLastUse(ctx, user, env.shareID, ri.ItemID, later.Add(-time.Minute)))
	got, err = env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	require.NoError(t, err)
	assert.True(t, got.LastUseTime.Equal(later))
}

func TestLocalContentIsWrapped(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	ri, err := env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)
	require.NoError(t, env.items.ApplyUpserts(ctx, user, env.shareID, []remote.Item{ri}))

	recs, err := env.store.Get(ctx, itemsCollection, storage.All())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var raw Item
	require.NoError(t, json.Unmarshal(recs[0].Data, &raw))
	assert.NotEqual(t, ri.Content, raw.Content)
	_, err = storage.ParseEnvelope(raw.Content)
	require.NoError(t, err)

	got, err := env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	require.NoError(t, err)
	assert.Equal(t, ri.Content, got.Content)
}

func TestItemValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	tests := []struct {
		name    string
		shareID string
		kind    Kind
		content []byte
	}{
		{"bad share id", "a/b", KindNote, []byte("x")},
		{"unknown kind", env.shareID, Kind("spaceship"), []byte("x")},
		{"empty content", env.shareID, KindNote, nil},
		{"oversized content", env.shareID, KindNote, make([]byte, MaxContentSize+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.items.Create(ctx, user, tc.shareID, tc.kind, tc.content)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Zero(t, env.server.Calls("CreateItem"))
}

func TestFlushLastUse(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	ctx := t.Context()
	it, err := env.items.Create(ctx, user, env.shareID, KindLogin, []byte("x"))
	require.NoError(t, err)
	gone, err := env.items.Create(ctx, user, env.shareID, KindNote, []byte("y"))
	require.NoError(t, err)

	env.server.Fail("UpdateLastUseTime", remote.ErrUnavailable)
	used, err := env.items.MarkUsed(ctx, it)
	require.NoError(t, err)
	assert.True(t, used.LastUseUnsent)
	_, err = env.items.MarkUsed(ctx, gone)
	require.NoError(t, err)

	n, err := env.items.FlushLastUse(ctx, user, env.shareID)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Zero(t, n)

	env.server.ClearFailures()
	require.NoError(t, env.server.RemoveItem(env.shareID, gone.ItemID))
	n, err = env.items.FlushLastUse(ctx, user, env.shareID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	onServer, err := env.server.GetItem(ctx, user, env.shareID, it.ItemID)
	require.NoError(t, err)
	assert.True(t, onServer.LastUseTime.Equal(now))

	list, err := env.items.List(ctx, user, Filter{ShareID: env.shareID})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	for _, got := range list.Items {
		assert.False(t, got.LastUseUnsent, got.ItemID)
	}

	n, err = env.items.FlushLastUse(ctx, user, env.shareID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResyncMergesLastUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	ri, err := env.server.PutItem(env.shareID, "note", []byte("n"))
	require.NoError(t, err)
	_, err = env.items.Resync(ctx, user, env.shareID)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour).UTC()
	require.NoError(t, env.items.ApplyLastUse(ctx, user, env.shareID, ri.ItemID, later))
	_, err = env.items.Resync(ctx, user, env.shareID)
	require.NoError(t, err)

	got, err := env.items.Get(ctx, user, env.shareID, ri.ItemID, remote.CacheFirst)
	require.NoError(t, err)
	assert.True(t, got.LastUseTime.Equal(later))
}

func TestApplyDeletesRemovesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	it, err := env.items.Create(ctx, user, env.shareID, KindNote, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, env.server.RemoveItem(env.shareID, it.ItemID))

	n, err := env.items.ApplyDeletes(ctx, user, env.shareID, []string{it.ItemID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := env.items.List(ctx, user, Filter{ShareID: env.shareID})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
	_, err = env.items.Get(ctx, user, env.shareID, it.ItemID, remote.CacheFirst)
	assert.ErrorIs(t, err, ErrItemNotFound)

	n, err = env.items.ApplyDeletes(ctx, user, env.shareID, []string{it.ItemID})
	require.NoError(t, err)
	assert.Zero(t, n)
}
