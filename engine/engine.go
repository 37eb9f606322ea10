// Package engine wires the vault engine together: local stores, the session
// credential cache, the key resolver, the share and item repositories, the
// synchronizer and the sync scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keysync/crypto"
	"github.com/jmcleod/keysync/eventloop"
	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/session"
	"github.com/jmcleod/keysync/storage"
	"github.com/jmcleod/keysync/syncer"
	"github.com/jmcleod/keysync/vault"
)

// Deps are the collaborators the engine cannot build itself.
type Deps struct {
	Client       remote.Client
	Store        storage.Store
	Secrets      storage.SecretStore
	Reachability eventloop.Reachability
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	modules     []session.Module
	keyPageSize int
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSyncInterval sets the scheduler tick interval.
func WithSyncInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithConcurrency bounds how many shares sync at once.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithModules sets the modules each session is forked into.
func WithModules(modules ...session.Module) Option {
	return func(c *config) { c.modules = modules }
}

// WithKeyPageSize sets the page size of key requests.
func WithKeyPageSize(n int) Option {
	return func(c *config) { c.keyPageSize = n }
}

// Engine is the collaborator surface of the vault engine.
type Engine struct {
	logger   *slog.Logger
	secrets  storage.SecretStore
	device   *memguard.Enclave
	keyring  *crypto.Keyring
	sessions *session.Cache
	resolver *keys.Resolver
	shares   *vault.Shares
	items    *vault.Items
	cursors  *syncer.CursorStore
	syncer   *syncer.Synchronizer
	loop     *eventloop.Loop

	stopWatch func()
	watchDone chan struct{}
	closeOnce sync.Once
}

// New builds an Engine. The device-local key is created in deps.Secrets on
// first use.
func New(ctx context.Context, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Client == nil || deps.Store == nil || deps.Secrets == nil || deps.Reachability == nil {
		return nil, errors.New("engine: client, store, secrets and reachability are required")
	}
	cfg := config{logger: slog.Default(), modules: session.DefaultModules}
	for _, opt := range opts {
		opt(&cfg)
	}

	device, err := crypto.LoadOrCreateLocalKey(ctx, deps.Secrets)
	if err != nil {
		return nil, err
	}
	keyring, err := crypto.LoadKeyring(ctx, deps.Secrets, device)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewCache(ctx, deps.Secrets, device,
		session.WithModules(cfg.modules...),
		session.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:   cfg.logger,
		secrets:  deps.Secrets,
		device:   device,
		keyring:  keyring,
		sessions: sessions,
		cursors:  syncer.NewCursorStore(deps.Store),
	}

	vaultKeys := keys.NewVaultKeys(deps.Store)
	itemKeys := keys.NewItemKeys(deps.Store)
	fetcher := keys.NewFetcher(deps.Client, deps.Store, vaultKeys, itemKeys,
		keys.WithPageSize(cfg.keyPageSize),
		keys.WithFetcherLogger(cfg.logger),
	)
	// The resolver reads share info from the share repository, which in
	// turn needs the resolver; the closure breaks the cycle.
	shareInfo := keys.ShareInfoFunc(func(ctx context.Context, userID, shareID string) (keys.ShareKeyInfo, error) {
		return e.shares.ShareKeyInfo(ctx, userID, shareID)
	})
	e.resolver = keys.NewResolver(vaultKeys, itemKeys, fetcher, shareInfo, keyring, keys.WithLogger(cfg.logger))
	e.shares = vault.NewShares(deps.Client, deps.Store, e.resolver, keyring, vault.WithLogger(cfg.logger))
	e.items = vault.NewItems(deps.Client, deps.Store, e.resolver, device, vault.WithLogger(cfg.logger))

	e.shares.OnTeardown(e.resolver.DeleteShare)
	e.shares.OnTeardown(e.items.DeleteShare)
	e.shares.OnTeardown(e.cursors.Delete)

	e.syncer = syncer.New(deps.Client, e.shares, e.items, e.resolver, e.cursors, sessions,
		syncer.WithConcurrency(cfg.concurrency),
		syncer.WithSessionInvalidator(sessions),
		syncer.WithLogger(cfg.logger),
	)
	e.loop = eventloop.New(e.syncer, deps.Reachability,
		eventloop.WithInterval(cfg.interval),
		eventloop.WithLogger(cfg.logger),
	)

	e.watchInvalidations()
	return e, nil
}

// Login stores a session and the address keys that came with it.
func (e *Engine) Login(ctx context.Context, resp remote.LoginResponse) error {
	for _, a := range resp.Addresses {
		ak, err := crypto.NewAddressKey(a.AddressID, a.PrivateKey)
		if err != nil {
			return fmt.Errorf("importing address %s: %w", a.AddressID, err)
		}
		e.keyring.Add(resp.UserID, ak)
	}
	if err := e.keyring.Save(ctx, e.secrets, e.device); err != nil {
		return err
	}
	return e.sessions.Update(ctx, session.Credential{
		UserID:       resp.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scopes:       resp.Scopes,
	}, resp.SessionID)
}

// Logout invalidates a session. Once a user has no session left, their
// local data and keys are removed.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	cred, err := e.sessions.Lookup(sessionID)
	if err != nil {
		return err
	}
	if err := e.sessions.Invalidate(ctx, sessionID); err != nil {
		return err
	}
	return e.teardownIfSignedOut(ctx, cred.UserID)
}

// Sessions returns the session credential cache. Its Token method is the
// token source for remote clients.
func (e *Engine) Sessions() *session.Cache {
	return e.sessions
}

// Shares lists a user's vaults.
func (e *Engine) Shares(ctx context.Context, userID string, policy remote.RefreshPolicy) ([]vault.Share, error) {
	return e.shares.List(ctx, userID, policy)
}

// VaultContent decrypts a vault's display metadata.
func (e *Engine) VaultContent(ctx context.Context, share vault.Share) (vault.VaultContent, error) {
	return e.shares.Contents(ctx, share)
}

// CreateVault creates a vault owned by one of the user's addresses.
func (e *Engine) CreateVault(ctx context.Context, userID, addressID string, content vault.VaultContent) (vault.Share, error) {
	return e.shares.CreateVault(ctx, userID, addressID, content)
}

// Items lists cached items.
func (e *Engine) Items(ctx context.Context, userID string, f vault.Filter) (vault.ItemList, error) {
	return e.items.List(ctx, userID, f)
}

// Decrypt returns an item's plaintext.
func (e *Engine) Decrypt(ctx context.Context, it vault.Item) ([]byte, error) {
	return e.items.Decrypt(ctx, it)
}

// CreateItem creates an item in a vault.
func (e *Engine) CreateItem(ctx context.Context, userID, shareID string, kind vault.Kind, plaintext []byte) (vault.Item, error) {
	return e.items.Create(ctx, userID, shareID, kind, plaintext)
}

// UpdateItem replaces an item's content.
func (e *Engine) UpdateItem(ctx context.Context, it vault.Item, plaintext []byte) (vault.Item, error) {
	return e.items.Update(ctx, it, plaintext)
}

// MarkUsed records that an item was used.
func (e *Engine) MarkUsed(ctx context.Context, it vault.Item) (vault.Item, error) {
	return e.items.MarkUsed(ctx, it)
}

// LoginEntry is a decrypted login item.
type LoginEntry struct {
	Item      vault.Item
	Plaintext []byte
}

// LoginItems returns the user's active login items decrypted, for building
// an autofill index. Items that fail to decrypt are logged and left out.
func (e *Engine) LoginItems(ctx context.Context, userID string) ([]LoginEntry, error) {
	list, err := e.items.List(ctx, userID, vault.Filter{State: remote.StateActive, LoginOnly: true})
	if err != nil {
		return nil, err
	}
	out := make([]LoginEntry, 0, len(list.Items))
	for _, it := range list.Items {
		plain, err := e.items.Decrypt(ctx, it)
		if err != nil {
			e.logger.Warn("skipping undecryptable login item",
				slog.String("item_id", it.ItemID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, LoginEntry{Item: it, Plaintext: plain})
	}
	return out, nil
}

// Sync runs one pass outside the scheduler.
func (e *Engine) Sync(ctx context.Context) (syncer.Result, error) {
	return e.syncer.Sync(ctx)
}

// Updates signals every pass that brought new data.
func (e *Engine) Updates() (<-chan struct{}, func()) {
	outcomes, cancel := e.loop.Subscribe()
	updates := make(chan struct{}, 1)
	go func() {
		defer close(updates)
		for o := range outcomes {
			if !o.HadNewData {
				continue
			}
			select {
			case updates <- struct{}{}:
			default:
			}
		}
	}()
	return updates, cancel
}

// Outcomes streams every pass outcome, including skipped ones.
func (e *Engine) Outcomes() (<-chan eventloop.Outcome, func()) {
	return e.loop.Subscribe()
}

// Start starts the sync scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.loop.Start(ctx)
}

// Stop stops the scheduler after any in-flight pass.
func (e *Engine) Stop() {
	e.loop.Stop()
}

// ForceSync requests a pass now.
func (e *Engine) ForceSync() {
	e.loop.ForceSync()
}

// State returns the scheduler state.
func (e *Engine) State() eventloop.State {
	return e.loop.State()
}

// Close stops the scheduler and wipes key material held in memory.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.loop.Stop()
		e.stopWatch()
		<-e.watchDone
		e.items.Close()
		e.sessions.Close()
	})
}

// watchInvalidations tears down users whose last session was invalidated
// elsewhere, for example by the synchronizer after a rejected session.
func (e *Engine) watchInvalidations() {
	events, cancel := e.sessions.Subscribe()
	e.stopWatch = cancel
	e.watchDone = make(chan struct{})
	go func() {
		defer close(e.watchDone)
		for inv := range events {
			if err := e.teardownIfSignedOut(context.Background(), inv.UserID); err != nil {
				e.logger.Error("tearing down signed-out user",
					slog.String("user_id", inv.UserID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

func (e *Engine) teardownIfSignedOut(ctx context.Context, userID string) error {
	if _, err := e.sessions.Get(userID); err == nil {
		return nil
	}
	var errs []error
	errs = append(errs, e.shares.DeleteUser(ctx, userID))
	errs = append(errs, e.resolver.DeleteUser(ctx, userID))
	errs = append(errs, e.items.DeleteUser(ctx, userID))
	errs = append(errs, e.cursors.DeleteUser(ctx, userID))
	e.keyring.Remove(userID)
	errs = append(errs, e.keyring.Save(ctx, e.secrets, e.device))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info("local data removed for signed-out user", slog.String("user_id", userID))
	return nil
}
