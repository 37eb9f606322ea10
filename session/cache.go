package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/pubsub"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/storage"
)

// StorageKey is the secure storage entry holding the sealed credential map.
const StorageKey = "keysync.sessions"

// ErrNoCredential is returned when no credential matches a lookup.
var ErrNoCredential = errors.New("no session credential")

type credKey struct {
	sessionID string
	module    Module
}

type entry struct {
	Credential
	// Seq orders writes so the newest session of a user wins lookups.
	Seq uint64 `json:"seq"`
}

// Cache is the session credential cache. All reads and writes go through
// one mutex, and every mutation re-encrypts and persists the whole map
// before it becomes visible.
type Cache struct {
	secrets storage.SecretStore
	wrapKey key.Key
	modules []Module
	logger  *slog.Logger
	broker  *pubsub.Broker[Invalidation]

	mu    sync.Mutex
	creds map[credKey]entry
	seq   uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithModules sets the modules every session is forked into. The first is
// the primary module used by Get.
func WithModules(modules ...Module) Option {
	return func(c *Cache) {
		if len(modules) > 0 {
			c.modules = modules
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache loads the persisted credential map. A map that cannot be
// decrypted or parsed is discarded and the cache starts empty.
func NewCache(ctx context.Context, secrets storage.SecretStore, localKey *memguard.Enclave, opts ...Option) (*Cache, error) {
	wrapKey, err := crypto.CredentialsKey(localKey)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		secrets: secrets,
		wrapKey: wrapKey,
		modules: DefaultModules,
		logger:  slog.Default(),
		broker:  pubsub.NewQueued[Invalidation](16),
		creds:   make(map[credKey]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	b, err := c.secrets.GetBytes(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	entries, err := c.open(b)
	if err != nil {
		c.logger.Warn("discarding unreadable session cache", slog.String("error", err.Error()))
		if err := c.secrets.RemoveBytes(ctx, StorageKey); err != nil {
			return fmt.Errorf("clearing sessions: %w", err)
		}
		return nil
	}
	for _, e := range entries {
		c.creds[credKey{e.SessionID, e.Module}] = e
		c.seq = max(c.seq, e.Seq)
	}
	return nil
}

func (c *Cache) open(b []byte) ([]entry, error) {
	env, err := storage.ParseEnvelope(b)
	if err != nil {
		return nil, err
	}
	data, err := storage.OpenRecord(c.wrapKey, env, icrypto.AADCredentials(StorageKey))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return entries, nil
}

// Get returns the primary-module credential of the user's newest session.
func (c *Cache) Get(userID string) (Credential, error) {
	return c.GetForModule(userID, c.modules[0])
}

// GetForModule returns the user's newest credential for module.
func (c *Cache) GetForModule(userID string, module Module) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *entry
	for _, e := range c.creds {
		if e.UserID != userID || e.Module != module {
			continue
		}
		if best == nil || e.Seq > best.Seq {
			best = &e
		}
	}
	if best == nil {
		return Credential{}, fmt.Errorf("user %s module %s: %w", userID, module, ErrNoCredential)
	}
	return best.Credential, nil
}

// Lookup returns the primary-module credential of a session.
func (c *Cache) Lookup(sessionID string) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.creds[credKey{sessionID, c.modules[0]}]; ok {
		return e.Credential, nil
	}
	for k, e := range c.creds {
		if k.sessionID == sessionID {
			return e.Credential, nil
		}
	}
	return Credential{}, fmt.Errorf("session %s: %w", sessionID, ErrNoCredential)
}

// Token returns the access token for the user's primary module.
func (c *Cache) Token(_ context.Context, userID string) (string, error) {
	cred, err := c.Get(userID)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Update stores cred as the credential of every configured module of
// sessionID, replacing what was there.
func (c *Cache) Update(ctx context.Context, cred Credential, sessionID string) error {
	return c.mutate(ctx, func(m map[credKey]entry) bool {
		for _, module := range c.modules {
			derived := cred
			derived.SessionID = sessionID
			derived.Module = module
			derived.Scopes = slices.Clone(cred.Scopes)
			m[credKey{sessionID, module}] = c.stamp(derived)
		}
		return true
	})
}

// Migrate forks an existing login into every configured module that does
// not have a credential for its session yet.
func (c *Cache) Migrate(ctx context.Context, old Credential) error {
	return c.mutate(ctx, func(m map[credKey]entry) bool {
		changed := false
		for _, module := range c.modules {
			k := credKey{old.SessionID, module}
			if _, ok := m[k]; ok {
				continue
			}
			forked := old
			forked.Module = module
			forked.Scopes = slices.Clone(old.Scopes)
			m[k] = c.stamp(forked)
			changed = true
		}
		return changed
	})
}

// Invalidate removes every module credential of sessionID and publishes one
// Invalidation.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	var userID string
	err := c.mutate(ctx, func(m map[credKey]entry) bool {
		for k, e := range m {
			if k.sessionID == sessionID {
				userID = e.UserID
				delete(m, k)
			}
		}
		return userID != ""
	})
	if err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoCredential)
	}

	c.logger.Info("session invalidated", slog.String("session_id", sessionID), slog.String("user_id", userID))
	c.broker.Publish(Invalidation{SessionID: sessionID, UserID: userID})
	return nil
}

// InvalidateUser invalidates every session of a user.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	c.mu.Lock()
	var sessions []string
	for k, e := range c.creds {
		if e.UserID == userID && !slices.Contains(sessions, k.sessionID) {
			sessions = append(sessions, k.sessionID)
		}
	}
	c.mu.Unlock()

	if len(sessions) == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNoCredential)
	}
	var errs []error
	for _, sessionID := range sessions {
		if err := c.Invalidate(ctx, sessionID); err != nil && !errors.Is(err, ErrNoCredential) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Users lists the distinct users holding a credential.
func (c *Cache) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var users []string
	for _, e := range c.creds {
		if !slices.Contains(users, e.UserID) {
			users = append(users, e.UserID)
		}
	}
	slices.Sort(users)
	return users
}

// Subscribe returns the invalidation stream and a function to stop it.
// No invalidation is dropped: values wait until the subscriber reads them.
func (c *Cache) Subscribe() (<-chan Invalidation, func()) {
	return c.broker.Subscribe()
}

// Close wipes the wrapping key and closes subscriber channels.
func (c *Cache) Close() {
	c.broker.Close()
	c.wrapKey.Destroy()
}

// stamp must be called with mu held.
func (c *Cache) stamp(cred Credential) entry {
	c.seq++
	return entry{Credential: cred, Seq: c.seq}
}

// mutate applies fn to a copy of the map, persists the copy, and only then
// makes it current. fn reports whether it changed anything.
func (c *Cache) mutate(ctx context.Context, fn func(map[credKey]entry) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := maps.Clone(c.creds)
	if !fn(next) {
		return nil
	}
	if err := c.persist(ctx, next); err != nil {
		return err
	}
	c.creds = next
	return nil
}

func (c *Cache) persist(ctx context.Context, m map[credKey]entry) error {
	entries := slices.Collect(maps.Values(m))
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}
	defer util.WipeBytes(data)

	env, err := storage.SealRecord(c.wrapKey, data, icrypto.AADCredentials(StorageKey))
	if err != nil {
		return fmt.Errorf("sealing sessions: %w", err)
	}
	b, err := env.Bytes()
	if err != nil {
		return err
	}
	if err := c.secrets.SetBytes(ctx, StorageKey, b); err != nil {
		return fmt.Errorf("storing sessions: %w", err)
	}
	return nil
}
