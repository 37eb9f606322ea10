package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/eventloop"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/remote/memserver"
	"github.com/jmcleod/keysync/storage/memory"
	"github.com/jmcleod/keysync/vault"
)

const user = "alice"

type harness struct {
	server  *memserver.Server
	store   *memory.Store
	secrets *memory.SecretStore
	online  atomic.Bool
	shareID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		server:  memserver.New(),
		store:   memory.NewStore(),
		secrets: memory.NewSecretStore(),
	}
	h.online.Store(true)
	shareID, err := h.server.SeedShare(user, memserver.ShareContent{Name: "Personal"})
	require.NoError(t, err)
	h.shareID = shareID
	_, err = h.server.PutItem(shareID, "login", []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	_, err = h.server.PutItem(shareID, "note", []byte(`{"text":"hello"}`))
	require.NoError(t, err)
	return h
}

func (h *harness) open(t *testing.T) *Engine {
	t.Helper()
	e, err := New(t.Context(), Deps{
		Client:  h.server,
		Store:   h.store,
		Secrets: h.secrets,
		Reachability: eventloop.ReachabilityFunc(func(context.Context) bool {
			return h.online.Load()
		}),
	}, WithSyncInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func (h *harness) login(t *testing.T, e *Engine) remote.LoginResponse {
	t.Helper()
	resp, err := h.server.Login(user)
	require.NoError(t, err)
	require.NoError(t, e.Login(t.Context(), resp))
	return resp
}

func TestSyncAndDecryptLogins(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)

	res, err := e.Sync(t.Context())
	require.NoError(t, err)
	assert.True(t, res.HadNewData)

	logins, err := e.LoginItems(t.Context(), user)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(logins[0].Plaintext))

	shares, err := e.Shares(t.Context(), user, remote.CacheFirst)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	content, err := e.VaultContent(t.Context(), shares[0])
	require.NoError(t, err)
	assert.Equal(t, "Personal", content.Name)
}

func TestCreatedItemIsVisibleLocally(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)
	_, err := e.Sync(t.Context())
	require.NoError(t, err)

	it, err := e.CreateItem(t.Context(), user, h.shareID, vault.KindLogin, []byte(`{"url":"https://example.org"}`))
	require.NoError(t, err)

	list, err := e.Items(t.Context(), user, vault.Filter{ShareID: h.shareID})
	require.NoError(t, err)
	assert.Len(t, list.Items, 3)

	plain, err := h.server.ItemContent(h.shareID, it.ItemID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.org"}`, string(plain))

	logins, err := e.LoginItems(t.Context(), user)
	require.NoError(t, err)
	assert.Len(t, logins, 2)
}

func TestOfflinePassMakesNoRemoteCalls(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)

	h.online.Store(false)
	h.server.ResetCalls()
	outcomes, cancel := e.Outcomes()
	defer cancel()

	require.NoError(t, e.Start(t.Context()))
	e.ForceSync()

	select {
	case o := <-outcomes:
		assert.True(t, o.Skipped)
		assert.Equal(t, eventloop.ReasonNoConnectivity, o.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
	}
	e.Stop()
	assert.Zero(t, h.server.TotalCalls())
}

func TestUpdatesSignalNewData(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)

	updates, cancel := e.Updates()
	defer cancel()
	require.NoError(t, e.Start(t.Context()))
	defer e.Stop()
	e.ForceSync()

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}
}

func TestLogoutRemovesUserData(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	resp := h.login(t, e)
	_, err := e.Sync(t.Context())
	require.NoError(t, err)

	require.NoError(t, e.Logout(t.Context(), resp.SessionID))

	assert.Empty(t, e.Sessions().Users())
	list, err := e.Items(t.Context(), user, vault.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	_, err = e.Sessions().Token(t.Context(), user)
	assert.Error(t, err)
}

func TestLogoutKeepsDataWhileAnotherSessionRemains(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	first := h.login(t, e)
	h.login(t, e)
	_, err := e.Sync(t.Context())
	require.NoError(t, err)

	require.NoError(t, e.Logout(t.Context(), first.SessionID))

	assert.Equal(t, []string{user}, e.Sessions().Users())
	list, err := e.Items(t.Context(), user, vault.Filter{})
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)
}

func TestRevokedSessionTearsDownUser(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)
	_, err := e.Sync(t.Context())
	require.NoError(t, err)

	h.server.RevokeUser(user)
	_, err = e.Sync(t.Context())
	assert.ErrorIs(t, err, remote.ErrSessionInvalid)

	assert.Eventually(t, func() bool {
		list, err := e.Items(t.Context(), user, vault.Filter{})
		return err == nil && len(list.Items) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.Sessions().Users())
}

func TestRestartServesCacheOffline(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.login(t, e)
	_, err := e.Sync(t.Context())
	require.NoError(t, err)
	e.Close()

	h.server.SetUnavailable(true)
	reopened := h.open(t)
	assert.Equal(t, []string{user}, reopened.Sessions().Users())

	logins, err := reopened.LoginItems(t.Context(), user)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(logins[0].Plaintext))
}

func TestInvalidationBurstTearsDownEveryUser(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)

	addresses := make(map[string]string)
	for i := range 30 {
		userID := fmt.Sprintf("user-%02d", i)
		resp, err := h.server.Login(userID)
		require.NoError(t, err)
		require.NoError(t, e.Login(t.Context(), resp))
		addresses[userID] = resp.Addresses[0].AddressID
	}

	for userID := range addresses {
		require.NoError(t, e.Sessions().InvalidateUser(t.Context(), userID))
	}

	assert.Eventually(t, func() bool {
		for userID, addressID := range addresses {
			if _, err := e.keyring.AddressKey(t.Context(), userID, addressID); err == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
