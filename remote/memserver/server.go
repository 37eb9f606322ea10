// Package memserver is an in-memory vault server. It is the authority the
// sync engine is tested against and backs `keysync devserver`. Besides the
// remote.Client API it offers hooks to simulate writes from other devices,
// key rotations, outages and revoked sessions.
package memserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/uuid"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
)

const (
	defaultItemsPageSize  = 100
	defaultEventsPageSize = 100
	tokenTTL              = time.Hour
)

// Server is an in-memory implementation of the vault server.
type Server struct {
	mu sync.Mutex

	tokenSecret    []byte
	itemsPageSize  int
	eventsPageSize int
	logger         *slog.Logger

	accounts map[string]*account
	sessions map[string]*session
	shares   map[string]*share

	calls       map[string]int
	failures    map[string]error
	unavailable bool
}

type account struct {
	userID         string
	primaryAddress string
	addresses      map[string]*crypto.AddressKey
	revoked        bool
}

type session struct {
	sessionID string
	userID    string
	revoked   bool
}

type share struct {
	meta   remote.Share
	userID string
	signer *crypto.SigningKey
	keys   []remote.ShareKey

	items map[string]*remote.Item
	order []string

	events    []remote.Event
	seq       int64
	compacted bool
	deleted   bool
}

// Option configures a Server.
type Option func(*Server)

// WithTokenSecret sets the HS256 secret for access tokens.
func WithTokenSecret(secret []byte) Option {
	return func(s *Server) {
		s.tokenSecret = secret
	}
}

// WithItemsPageSize sets how many items GetItems returns per page.
func WithItemsPageSize(n int) Option {
	return func(s *Server) {
		s.itemsPageSize = n
	}
}

// WithEventsPageSize sets how many events GetEvents returns per page.
func WithEventsPageSize(n int) Option {
	return func(s *Server) {
		s.eventsPageSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		tokenSecret:    []byte("keysync-dev-secret"),
		itemsPageSize:  defaultItemsPageSize,
		eventsPageSize: defaultEventsPageSize,
		logger:         slog.Default(),
		accounts:       make(map[string]*account),
		sessions:       make(map[string]*session),
		shares:         make(map[string]*share),
		calls:          make(map[string]int),
		failures:       make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login creates the account on first use, opens a new session and returns
// its tokens together with the account's address keys.
func (s *Server) Login(userID string) (remote.LoginResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.ensureAccountLocked(userID)
	if err != nil {
		return remote.LoginResponse{}, err
	}
	acct.revoked = false

	sess := &session{sessionID: uuid.New(), userID: userID}
	s.sessions[sess.sessionID] = sess

	access, err := s.issueToken(userID, sess.sessionID, tokenTTL)
	if err != nil {
		return remote.LoginResponse{}, err
	}
	refresh, err := s.issueToken(userID, sess.sessionID, 30*24*time.Hour)
	if err != nil {
		return remote.LoginResponse{}, err
	}

	resp := remote.LoginResponse{
		UserID:       userID,
		SessionID:    sess.sessionID,
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       []string{"pass"},
	}
	for _, ak := range acct.addresses {
		priv, err := ak.Export()
		if err != nil {
			return remote.LoginResponse{}, err
		}
		resp.Addresses = append(resp.Addresses, remote.AddressKey{AddressID: ak.ID(), PrivateKey: priv})
	}
	return resp, nil
}

// AddUser creates an account with one address key and returns the address ID.
func (s *Server) AddUser(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, err := s.ensureAccountLocked(userID)
	if err != nil {
		return "", err
	}
	return acct.primaryAddress, nil
}

// AddressKey returns the account's primary address key, as another device
// holding the user's keys would.
func (s *Server) AddressKey(userID string) (*crypto.AddressKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	return acct.addresses[acct.primaryAddress], nil
}

func (s *Server) ensureAccountLocked(userID string) (*account, error) {
	if acct, ok := s.accounts[userID]; ok {
		return acct, nil
	}
	addressID := uuid.New()
	ak, err := crypto.GenerateAddressKey(addressID)
	if err != nil {
		return nil, err
	}
	acct := &account{
		userID:         userID,
		primaryAddress: addressID,
		addresses:      map[string]*crypto.AddressKey{addressID: ak},
	}
	s.accounts[userID] = acct
	return acct, nil
}

// RevokeUser invalidates every session of the user. Later calls on the
// user's behalf fail with remote.ErrSessionInvalid.
func (s *Server) RevokeUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		acct.revoked = true
	}
	for _, sess := range s.sessions {
		if sess.userID == userID {
			sess.revoked = true
		}
	}
}

// ShareContent is the plaintext metadata of a vault.
type ShareContent struct {
	Name  string `json:"name"`
	Icon  string `json:"icon,omitzero"`
	Color string `json:"color,omitzero"`
}

// SeedShare creates a vault for the user as another device would and
// returns its share ID.
func (s *Server) SeedShare(userID string, content ShareContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.ensureAccountLocked(userID)
	if err != nil {
		return "", err
	}
	ak := acct.addresses[acct.primaryAddress]

	shareID := uuid.New()
	signer, err := crypto.GenerateSigningKey()
	if err != nil {
		return "", err
	}
	rot, err := keys.NewRotation(shareID, 1, ak.Public(), signer)
	if err != nil {
		return "", err
	}
	defer rot.Item.Destroy()
	defer rot.Vault.Destroy()

	plain, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	sealedContent, err := rot.Vault.Encrypt(plain, icrypto.AADShareContent(shareID, 1))
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	sh := &share{
		meta: remote.Share{
			ShareID:           shareID,
			VaultID:           uuid.New(),
			AddressID:         ak.ID(),
			TargetType:        "vault",
			SigningKey:        signer.Public,
			Content:           sealedContent,
			ContentRotationID: 1,
			Owner:             true,
			Primary:           len(s.sharesOfLocked(userID)) == 0,
			CreateTime:        now,
		},
		userID: userID,
		signer: signer,
		keys:   []remote.ShareKey{rot.Remote},
		items:  make(map[string]*remote.Item),
	}
	sh.meta.TargetID = sh.meta.VaultID
	s.shares[shareID] = sh
	return shareID, nil
}

// RotateShareKey adds a new rotation to the share and records a
// key_rotated event. It returns the new rotation ID.
func (s *Server) RotateShareKey(shareID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return 0, err
	}
	ak := s.accounts[sh.userID].addresses[sh.meta.AddressID]

	next := sh.keys[len(sh.keys)-1].RotationID + 1
	rot, err := keys.NewRotation(shareID, next, ak.Public(), sh.signer)
	if err != nil {
		return 0, err
	}
	rot.Vault.Destroy()
	rot.Item.Destroy()

	sh.keys = append(sh.keys, rot.Remote)
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventKeyRotated, RotationID: next})
	return next, nil
}

// UpdateShareContent replaces the vault metadata as another device would.
func (s *Server) UpdateShareContent(shareID string, content ShareContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return err
	}
	latest := sh.keys[len(sh.keys)-1].RotationID
	vk, err := s.vaultKeyLocked(sh, latest)
	if err != nil {
		return err
	}
	defer vk.Destroy()

	plain, err := json.Marshal(content)
	if err != nil {
		return err
	}
	sealed, err := vk.Encrypt(plain, icrypto.AADShareContent(shareID, latest))
	if err != nil {
		return err
	}
	sh.meta.Content = sealed
	sh.meta.ContentRotationID = latest
	meta := sh.meta
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventShareUpdated, Share: &meta})
	return nil
}

// DeleteShare removes a vault as another device would.
func (s *Server) DeleteShare(shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return err
	}
	sh.deleted = true
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventShareDeleted})
	return nil
}

// PutItem creates an item as another device would, encrypting plaintext
// with the share's latest rotation.
func (s *Server) PutItem(shareID, kind string, plaintext []byte) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return remote.Item{}, err
	}
	rotation, content, err := s.sealItemLocked(sh, plaintext)
	if err != nil {
		return remote.Item{}, err
	}
	it := s.createItemLocked(sh, remote.CreateItemRequest{RotationID: rotation, Content: content, Kind: kind})
	return *it, nil
}

// EditItem replaces an item's content as another device would.
func (s *Server) EditItem(shareID, itemID string, plaintext []byte) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return remote.Item{}, err
	}
	it, ok := sh.items[itemID]
	if !ok {
		return remote.Item{}, remote.NotFound("item %s", itemID)
	}
	rotation, content, err := s.sealItemLocked(sh, plaintext)
	if err != nil {
		return remote.Item{}, err
	}
	it.RotationID = rotation
	it.Content = content
	s.touchItemLocked(sh, it)
	return *it, nil
}

// TrashItem moves an item to the trash as another device would.
func (s *Server) TrashItem(shareID, itemID string) error {
	return s.setStateHook(shareID, itemID, remote.StateTrashed)
}

func (s *Server) setStateHook(shareID, itemID string, state remote.ItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return err
	}
	it, ok := sh.items[itemID]
	if !ok {
		return remote.NotFound("item %s", itemID)
	}
	it.State = state
	s.touchItemLocked(sh, it)
	return nil
}

// RemoveItem permanently deletes an item as another device would.
func (s *Server) RemoveItem(shareID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return err
	}
	if _, ok := sh.items[itemID]; !ok {
		return remote.NotFound("item %s", itemID)
	}
	s.removeItemLocked(sh, itemID)
	return nil
}

// CompactEvents drops the share's event log. Cursors issued before the
// call become unknown and clients are told to resync fully.
func (s *Server) CompactEvents(shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shares[shareID]
	if !ok {
		return remote.NotFound("share %s", shareID)
	}
	if n := len(sh.events); n > 0 {
		sh.events = sh.events[n-1:]
	}
	sh.compacted = true
	return nil
}

// ItemContent decrypts an item's content as another device would.
func (s *Server) ItemContent(shareID, itemID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shares[shareID]
	if !ok {
		return nil, remote.NotFound("share %s", shareID)
	}
	it, ok := sh.items[itemID]
	if !ok {
		return nil, remote.NotFound("item %s", itemID)
	}
	ik, err := s.itemKeyLocked(sh, it.RotationID)
	if err != nil {
		return nil, err
	}
	defer ik.Destroy()
	return ik.Decrypt(it.Content, icrypto.AADItemContent(shareID, it.RotationID))
}

// Calls returns how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of API calls of any kind.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.calls)
}

// Fail makes every call of method return err until ClearFailures.
func (s *Server) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// ClearFailures removes all injected failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.failures)
}

// SetUnavailable makes every call fail with remote.ErrUnavailable.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// begin records a call and applies injected failures and session checks.
func (s *Server) begin(method, userID string) error {
	s.calls[method]++
	if s.unavailable {
		return fmt.Errorf("%s: %w", method, remote.ErrUnavailable)
	}
	if err, ok := s.failures[method]; ok {
		return err
	}
	acct, ok := s.accounts[userID]
	if !ok || acct.revoked {
		return fmt.Errorf("%s: %w", method, remote.ErrSessionInvalid)
	}
	return nil
}

func (s *Server) sharesOfLocked(userID string) []*share {
	var out []*share
	for _, sh := range s.shares {
		if sh.userID == userID && !sh.deleted {
			out = append(out, sh)
		}
	}
	return out
}

func (s *Server) liveShareLocked(shareID string) (*share, error) {
	sh, ok := s.shares[shareID]
	if !ok || sh.deleted {
		return nil, remote.NotFound("share %s", shareID)
	}
	return sh, nil
}

func (s *Server) userShareLocked(userID, shareID string) (*share, error) {
	sh, err := s.liveShareLocked(shareID)
	if err != nil {
		return nil, err
	}
	if sh.userID != userID {
		return nil, remote.NotFound("share %s", shareID)
	}
	return sh, nil
}

func (s *Server) vaultKeyLocked(sh *share, rotation int64) (key.Key, error) {
	ak := s.accounts[sh.userID].addresses[sh.meta.AddressID]
	for _, sk := range sh.keys {
		if sk.RotationID != rotation {
			continue
		}
		raw, err := ak.Open(sk.VaultKey, icrypto.AADVaultKey(sh.meta.ShareID, rotation))
		if err != nil {
			return nil, err
		}
		return key.New(sh.meta.ShareID, key.Vault, rotation, raw)
	}
	return nil, fmt.Errorf("share %s has no rotation %d", sh.meta.ShareID, rotation)
}

func (s *Server) itemKeyLocked(sh *share, rotation int64) (key.Key, error) {
	vk, err := s.vaultKeyLocked(sh, rotation)
	if err != nil {
		return nil, err
	}
	defer vk.Destroy()
	for _, sk := range sh.keys {
		if sk.RotationID == rotation {
			return key.Unwrap(sk.ItemKey, vk, icrypto.AADItemKey(sh.meta.ShareID, rotation), sh.meta.ShareID, key.Item, rotation)
		}
	}
	return nil, fmt.Errorf("share %s has no rotation %d", sh.meta.ShareID, rotation)
}

func (s *Server) sealItemLocked(sh *share, plaintext []byte) (int64, []byte, error) {
	latest := sh.keys[len(sh.keys)-1].RotationID
	ik, err := s.itemKeyLocked(sh, latest)
	if err != nil {
		return 0, nil, err
	}
	defer ik.Destroy()
	ct, err := ik.Encrypt(plaintext, icrypto.AADItemContent(sh.meta.ShareID, latest))
	if err != nil {
		return 0, nil, err
	}
	return latest, ct, nil
}

func (s *Server) createItemLocked(sh *share, req remote.CreateItemRequest) *remote.Item {
	now := time.Now().UTC()
	it := &remote.Item{
		ItemID:         uuid.New(),
		ShareID:        sh.meta.ShareID,
		Revision:       1,
		RotationID:     req.RotationID,
		Content:        req.Content,
		State:          remote.StateActive,
		Kind:           req.Kind,
		SignatureEmail: req.SignatureEmail,
		CreateTime:     now,
		ModifyTime:     now,
	}
	sh.items[it.ItemID] = it
	sh.order = append(sh.order, it.ItemID)
	cp := *it
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventItemUpserted, Item: &cp, ItemID: it.ItemID})
	return it
}

// touchItemLocked bumps the revision of a changed item and records it.
func (s *Server) touchItemLocked(sh *share, it *remote.Item) {
	it.Revision++
	it.ModifyTime = time.Now().UTC()
	cp := *it
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventItemUpserted, Item: &cp, ItemID: it.ItemID})
}

func (s *Server) removeItemLocked(sh *share, itemID string) {
	delete(sh.items, itemID)
	for i, id := range sh.order {
		if id == itemID {
			sh.order = append(sh.order[:i], sh.order[i+1:]...)
			break
		}
	}
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventItemDeleted, ItemID: itemID})
}

func (s *Server) appendEventLocked(sh *share, ev remote.Event) {
	sh.seq++
	ev.ID = uuid.New()
	ev.Seq = sh.seq
	ev.ShareID = sh.meta.ShareID
	sh.events = append(sh.events, ev)
}
