package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/crypto"
	"github.com/jmcleod/keysync/storage"
	"github.com/jmcleod/keysync/storage/memory"
)

type failingSecrets struct {
	*memory.SecretStore
	failSet bool
}

func (f *failingSecrets) SetBytes(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.SecretStore.SetBytes(ctx, key, value)
}

func newCache(t *testing.T, secrets storage.SecretStore) (*Cache, *memguard.Enclave) {
	t.Helper()
	device, err := crypto.LoadOrCreateLocalKey(t.Context(), secrets)
	require.NoError(t, err)
	c, err := NewCache(t.Context(), secrets, device)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, device
}

func cred(userID, token string) Credential {
	return Credential{UserID: userID, AccessToken: token, RefreshToken: "r-" + token, Scopes: []string{"pass"}}
}

func TestUpdateForksEveryModule(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	ctx := t.Context()

	require.NoError(t, c.Update(ctx, cred("u1", "tok"), "s1"))

	for _, m := range DefaultModules {
		got, err := c.GetForModule("u1", m)
		require.NoError(t, err)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, m, got.Module)
		assert.Equal(t, "tok", got.AccessToken)
	}

	token, err := c.Token(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, []string{"u1"}, c.Users())
}

func TestNewestSessionWins(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	ctx := t.Context()

	require.NoError(t, c.Update(ctx, cred("u1", "old"), "s1"))
	require.NoError(t, c.Update(ctx, cred("u1", "new"), "s2"))

	got, err := c.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)

	// Refreshing the older session makes it the newest write.
	require.NoError(t, c.Update(ctx, cred("u1", "refreshed"), "s1"))
	got, err = c.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.AccessToken)
}

func TestInvalidateRemovesAllModulesAndNotifiesOnce(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	ctx := t.Context()

	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Update(ctx, cred("u1", "tok"), "s1"))
	require.NoError(t, c.Update(ctx, cred("u2", "tok2"), "s2"))

	require.NoError(t, c.Invalidate(ctx, "s1"))

	for _, m := range DefaultModules {
		_, err := c.GetForModule("u1", m)
		assert.ErrorIs(t, err, ErrNoCredential)
	}
	_, err := c.Get("u2")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, Invalidation{SessionID: "s1", UserID: "u1"}, ev)
	case <-time.After(time.Second):
		t.Fatal("no invalidation published")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}

	assert.ErrorIs(t, c.Invalidate(ctx, "s1"), ErrNoCredential)
}

func TestInvalidateUser(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	ctx := t.Context()

	require.NoError(t, c.Update(ctx, cred("u1", "a"), "s1"))
	require.NoError(t, c.Update(ctx, cred("u1", "b"), "s2"))
	require.NoError(t, c.InvalidateUser(ctx, "u1"))
	assert.Empty(t, c.Users())
	assert.ErrorIs(t, c.InvalidateUser(ctx, "u1"), ErrNoCredential)
}

func TestMigrateFillsMissingModules(t *testing.T) {
	secrets := memory.NewSecretStore()
	device, err := crypto.LoadOrCreateLocalKey(t.Context(), secrets)
	require.NoError(t, err)
	c, err := NewCache(t.Context(), secrets, device, WithModules(ModulePass))
	require.NoError(t, err)
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Update(ctx, cred("u1", "tok"), "s1"))
	_, err = c.GetForModule("u1", ModuleAutofill)
	require.ErrorIs(t, err, ErrNoCredential)

	c.modules = DefaultModules
	old, err := c.Get("u1")
	require.NoError(t, err)
	require.NoError(t, c.Migrate(ctx, old))

	got, err := c.GetForModule("u1", ModuleAutofill)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	secrets := memory.NewSecretStore()
	c, device := newCache(t, secrets)
	require.NoError(t, c.Update(t.Context(), cred("u1", "tok"), "s1"))

	reopened, err := NewCache(t.Context(), secrets, device)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)

	// Sequence numbers continue so a new session still wins.
	require.NoError(t, reopened.Update(t.Context(), cred("u1", "later"), "s9"))
	got, err = reopened.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "s9", got.SessionID)
}

func TestCorruptCacheIsCleared(t *testing.T) {
	secrets := memory.NewSecretStore()
	require.NoError(t, secrets.SetBytes(t.Context(), StorageKey, []byte("not an envelope")))

	c, _ := newCache(t, secrets)
	assert.Empty(t, c.Users())
	_, err := secrets.GetBytes(t.Context(), StorageKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWrongDeviceKeyClearsCache(t *testing.T) {
	secrets := memory.NewSecretStore()
	c, _ := newCache(t, secrets)
	require.NoError(t, c.Update(t.Context(), cred("u1", "tok"), "s1"))

	other := memguard.NewEnclaveRandom(32)
	reopened, err := NewCache(t.Context(), secrets, other)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Empty(t, reopened.Users())
}

func TestFailedPersistLeavesCacheUnchanged(t *testing.T) {
	secrets := &failingSecrets{SecretStore: memory.NewSecretStore()}
	c, _ := newCache(t, secrets)
	require.NoError(t, c.Update(t.Context(), cred("u1", "tok"), "s1"))

	secrets.failSet = true
	require.Error(t, c.Update(t.Context(), cred("u1", "next"), "s2"))
	require.Error(t, c.Invalidate(t.Context(), "s1"))

	got, err := c.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestCredentialExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	assert.True(t, Credential{AccessToken: token}.ExpiresAt().Equal(exp))
	assert.True(t, Credential{AccessToken: "opaque"}.ExpiresAt().IsZero())
}

func TestLookup(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	require.NoError(t, c.Update(t.Context(), cred("u1", "tok"), "s1"))

	got, err := c.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, ModulePass, got.Module)

	_, err = c.Lookup("missing")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestInvalidationBurstIsNotDropped(t *testing.T) {
	c, _ := newCache(t, memory.NewSecretStore())
	ctx := t.Context()
	events, cancel := c.Subscribe()
	defer cancel()

	const sessions = 40
	for i := range sessions {
		require.NoError(t, c.Update(ctx, cred(fmt.Sprintf("u%d", i), "tok"), fmt.Sprintf("s%d", i)))
	}
	for i := range sessions {
		require.NoError(t, c.Invalidate(ctx, fmt.Sprintf("s%d", i)))
	}

	seen := make(map[string]bool, sessions)
	for range sessions {
		select {
		case ev := <-events:
			seen[ev.SessionID] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d invalidations delivered", len(seen), sessions)
		}
	}
	assert.Len(t, seen, sessions)
}
