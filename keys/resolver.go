package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/remote"
)

// ShareKeyInfo is what the resolver needs to know about a share to unlock
// its keys.
type ShareKeyInfo struct {
	AddressID  string
	SigningKey ed25519.PublicKey
}

// ShareInfoSource provides ShareKeyInfo, normally from the share repository.
type ShareInfoSource interface {
	ShareKeyInfo(ctx context.Context, userID, shareID string) (ShareKeyInfo, error)
}

// ShareInfoFunc adapts a function to ShareInfoSource.
type ShareInfoFunc func(ctx context.Context, userID, shareID string) (ShareKeyInfo, error)

func (f ShareInfoFunc) ShareKeyInfo(ctx context.Context, userID, shareID string) (ShareKeyInfo, error) {
	return f(ctx, userID, shareID)
}

// AddressKeyring supplies unlocked address keys.
type AddressKeyring interface {
	AddressKey(ctx context.Context, userID, addressID string) (*crypto.AddressKey, error)
}

// Resolver answers which keys decrypt or encrypt a record and performs the
// layered decryption. Unlocked keys are held in memory per (user, share,
// rotation) once their signatures have been verified.
type Resolver struct {
	vaultKeys *VaultKeys
	itemKeys  *ItemKeys
	fetcher   *Fetcher
	shares    ShareInfoSource
	keyring   AddressKeyring
	logger    *slog.Logger

	mu        sync.Mutex
	unlockedV map[ident]key.Key
	unlockedI map[ident]key.Key
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver builds a Resolver over the key caches.
func NewResolver(vaultKeys *VaultKeys, itemKeys *ItemKeys, fetcher *Fetcher, shares ShareInfoSource, keyring AddressKeyring, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		vaultKeys: vaultKeys,
		itemKeys:  itemKeys,
		fetcher:   fetcher,
		shares:    shares,
		keyring:   keyring,
		logger:    slog.Default(),
		unlockedV: make(map[ident]key.Key),
		unlockedI: make(map[ident]key.Key),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh fetches the full key set of a share from the server.
func (r *Resolver) Refresh(ctx context.Context, userID, shareID string) error {
	_, err := r.fetcher.Refresh(ctx, userID, shareID)
	return err
}

// ResolveShareKey returns the vault key with the highest rotation. The
// server is consulted when nothing is cached or the policy forces it.
func (r *Resolver) ResolveShareKey(ctx context.Context, userID, shareID string, policy remote.RefreshPolicy) (VaultKey, int64, error) {
	var cached []VaultKey
	if policy != remote.ForceRefresh {
		var err error
		cached, err = r.vaultKeys.List(ctx, userID, shareID)
		if err != nil {
			return VaultKey{}, 0, err
		}
	}
	if len(cached) == 0 {
		if err := r.Refresh(ctx, userID, shareID); err != nil {
			return VaultKey{}, 0, err
		}
		var err error
		cached, err = r.vaultKeys.List(ctx, userID, shareID)
		if err != nil {
			return VaultKey{}, 0, err
		}
	}
	if len(cached) == 0 {
		return VaultKey{}, 0, &IntegrityError{ShareID: shareID, Err: ErrVaultKeyNotFound}
	}

	latest := cached[0]
	for _, vk := range cached[1:] {
		if vk.RotationID > latest.RotationID {
			latest = vk
		}
	}
	return latest, latest.RotationID, nil
}

// ResolveItemKey returns the vault and item keys for the item's rotation.
// A local miss triggers one refresh of the share's key set; a miss after
// that is an IntegrityError.
func (r *Resolver) ResolveItemKey(ctx context.Context, userID string, ref ItemRef) (VaultKey, ItemKey, error) {
	vk, ik, err := r.lookupPair(ctx, userID, ref.ShareID, ref.RotationID)
	if err == nil {
		return vk, ik, nil
	}
	if _, ok := errors.AsType[*IntegrityError](err); !ok {
		return VaultKey{}, ItemKey{}, err
	}

	r.logger.Debug("key miss, refreshing share keys",
		slog.String("share_id", ref.ShareID),
		slog.Int64("rotation", ref.RotationID),
	)
	if err := r.Refresh(ctx, userID, ref.ShareID); err != nil {
		return VaultKey{}, ItemKey{}, err
	}
	return r.lookupPair(ctx, userID, ref.ShareID, ref.RotationID)
}

func (r *Resolver) lookupPair(ctx context.Context, userID, shareID string, rotation int64) (VaultKey, ItemKey, error) {
	vk, okV, err := r.vaultKeys.Get(ctx, userID, shareID, rotation)
	if err != nil {
		return VaultKey{}, ItemKey{}, err
	}
	if !okV {
		return VaultKey{}, ItemKey{}, &IntegrityError{ShareID: shareID, RotationID: rotation, Err: ErrVaultKeyNotFound}
	}
	ik, okI, err := r.itemKeys.Get(ctx, userID, shareID, rotation)
	if err != nil {
		return VaultKey{}, ItemKey{}, err
	}
	if !okI {
		return VaultKey{}, ItemKey{}, &IntegrityError{ShareID: shareID, RotationID: rotation, Err: ErrItemKeyNotFound}
	}
	return vk, ik, nil
}

// Decrypt unwinds the key layers for the item's rotation and decrypts its
// content.
func (r *Resolver) Decrypt(ctx context.Context, userID string, item EncryptedItem) ([]byte, error) {
	ik, err := r.itemKey(ctx, userID, item.ShareID, item.RotationID)
	if err != nil {
		return nil, err
	}
	pt, err := ik.Decrypt(item.Content, icrypto.AADItemContent(item.ShareID, item.RotationID))
	if err != nil {
		return nil, fmt.Errorf("decrypting item %s: %w", item.ItemID, err)
	}
	return pt, nil
}

// Encrypt seals plaintext under the share's highest rotation.
func (r *Resolver) Encrypt(ctx context.Context, userID, shareID string, plaintext []byte) (Ciphertext, error) {
	_, rotation, err := r.ResolveShareKey(ctx, userID, shareID, remote.CacheFirst)
	if err != nil {
		return Ciphertext{}, err
	}
	ik, err := r.itemKey(ctx, userID, shareID, rotation)
	if err != nil {
		return Ciphertext{}, err
	}
	ct, err := ik.Encrypt(plaintext, icrypto.AADItemContent(shareID, rotation))
	if err != nil {
		return Ciphertext{}, fmt.Errorf("encrypting for share %s: %w", shareID, err)
	}
	return Ciphertext{ShareID: shareID, RotationID: rotation, Content: ct}, nil
}

// DecryptShareContent decrypts share metadata sealed with the vault key of
// rotation.
func (r *Resolver) DecryptShareContent(ctx context.Context, userID, shareID string, rotation int64, content []byte) ([]byte, error) {
	vk, err := r.vaultKey(ctx, userID, shareID, rotation)
	if err != nil {
		return nil, err
	}
	pt, err := vk.Decrypt(content, icrypto.AADShareContent(shareID, rotation))
	if err != nil {
		return nil, fmt.Errorf("decrypting share %s content: %w", shareID, err)
	}
	return pt, nil
}

// EncryptShareContent seals share metadata with the highest vault key.
func (r *Resolver) EncryptShareContent(ctx context.Context, userID, shareID string, plaintext []byte) (Ciphertext, error) {
	_, rotation, err := r.ResolveShareKey(ctx, userID, shareID, remote.CacheFirst)
	if err != nil {
		return Ciphertext{}, err
	}
	vk, err := r.vaultKey(ctx, userID, shareID, rotation)
	if err != nil {
		return Ciphertext{}, err
	}
	ct, err := vk.Encrypt(plaintext, icrypto.AADShareContent(shareID, rotation))
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{ShareID: shareID, RotationID: rotation, Content: ct}, nil
}

// itemKey returns the unlocked item key for a rotation, resolving and
// verifying it on first use.
func (r *Resolver) itemKey(ctx context.Context, userID, shareID string, rotation int64) (key.Key, error) {
	id := ident{userID, shareID, rotation}
	if k := r.cached(r.unlockedI, id); k != nil {
		return k, nil
	}

	_, ik, err := r.ResolveItemKey(ctx, userID, ItemRef{ShareID: shareID, RotationID: rotation})
	if err != nil {
		return nil, err
	}
	vaultKey, err := r.vaultKey(ctx, userID, shareID, rotation)
	if err != nil {
		return nil, err
	}
	info, err := r.shares.ShareKeyInfo(ctx, userID, shareID)
	if err != nil {
		return nil, fmt.Errorf("loading share %s: %w", shareID, err)
	}

	aad := icrypto.AADItemKey(shareID, rotation)
	if err := crypto.Verify(info.SigningKey, aad, ik.Key, ik.Signature); err != nil {
		return nil, fmt.Errorf("item key %s/%d: %w", shareID, rotation, ErrSignatureInvalid)
	}
	k, err := key.Unwrap(ik.Key, vaultKey, aad, keyID(shareID, rotation), key.Item, rotation)
	if err != nil {
		return nil, err
	}
	return r.remember(r.unlockedI, id, k), nil
}

// vaultKey returns the unlocked vault key for a rotation.
func (r *Resolver) vaultKey(ctx context.Context, userID, shareID string, rotation int64) (key.Key, error) {
	id := ident{userID, shareID, rotation}
	if k := r.cached(r.unlockedV, id); k != nil {
		return k, nil
	}

	vk, ok, err := r.vaultKeys.Get(ctx, userID, shareID, rotation)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := r.Refresh(ctx, userID, shareID); err != nil {
			return nil, err
		}
		if vk, ok, err = r.vaultKeys.Get(ctx, userID, shareID, rotation); err != nil {
			return nil, err
		}
		if !ok {
			return nil, &IntegrityError{ShareID: shareID, RotationID: rotation, Err: ErrVaultKeyNotFound}
		}
	}

	info, err := r.shares.ShareKeyInfo(ctx, userID, shareID)
	if err != nil {
		return nil, fmt.Errorf("loading share %s: %w", shareID, err)
	}
	aad := icrypto.AADVaultKey(shareID, rotation)
	if err := crypto.Verify(info.SigningKey, aad, vk.Key, vk.Signature); err != nil {
		return nil, fmt.Errorf("vault key %s/%d: %w", shareID, rotation, ErrSignatureInvalid)
	}
	ak, err := r.keyring.AddressKey(ctx, userID, info.AddressID)
	if err != nil {
		return nil, err
	}
	raw, err := ak.Open(vk.Key, aad)
	if err != nil {
		return nil, fmt.Errorf("opening vault key %s/%d: %w", shareID, rotation, err)
	}
	k, err := key.New(keyID(shareID, rotation), key.Vault, rotation, raw)
	if err != nil {
		return nil, err
	}
	return r.remember(r.unlockedV, id, k), nil
}

func (r *Resolver) cached(m map[ident]key.Key, id ident) key.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[id]
}

// remember caches k unless another goroutine won the race, in which case
// the existing key is returned and k destroyed.
func (r *Resolver) remember(m map[ident]key.Key, id ident, k key.Key) key.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := m[id]; ok {
		k.Destroy()
		return existing
	}
	m[id] = k
	return k
}

// Import stores freshly generated rotation material for a share and caches
// its unlocked keys.
func (r *Resolver) Import(ctx context.Context, userID, shareID string, rot *Rotation) error {
	if err := r.fetcher.Store(ctx, userID, shareID, rot.Remote); err != nil {
		return err
	}
	id := ident{userID, shareID, rot.Remote.RotationID}
	r.remember(r.unlockedV, id, rot.Vault)
	r.remember(r.unlockedI, id, rot.Item)
	return nil
}

// NewShareKeys generates the first rotation for a new share, sealed to the
// user's address key.
func (r *Resolver) NewShareKeys(ctx context.Context, userID, addressID, shareID string, signer *crypto.SigningKey) (*Rotation, error) {
	ak, err := r.keyring.AddressKey(ctx, userID, addressID)
	if err != nil {
		return nil, err
	}
	return NewRotation(shareID, 1, ak.Public(), signer)
}

// ForgetShare wipes the unlocked keys of one share.
func (r *Resolver) ForgetShare(userID, shareID string) {
	r.forget(func(id ident) bool { return id.userID == userID && id.shareID == shareID })
}

// Forget wipes every unlocked key of a user.
func (r *Resolver) Forget(userID string) {
	r.forget(func(id ident) bool { return id.userID == userID })
}

func (r *Resolver) forget(match func(ident) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range []map[ident]key.Key{r.unlockedV, r.unlockedI} {
		for id, k := range m {
			if match(id) {
				k.Destroy()
				delete(m, id)
			}
		}
	}
}

func keyID(shareID string, rotation int64) string {
	return shareID + "/" + strconv.FormatInt(rotation, 10)
}

// DeleteShare wipes the unlocked keys of a share and drops its cached
// rotations.
func (r *Resolver) DeleteShare(ctx context.Context, userID, shareID string) error {
	r.ForgetShare(userID, shareID)
	if _, err := r.vaultKeys.DeleteShare(ctx, userID, shareID); err != nil {
		return err
	}
	_, err := r.itemKeys.DeleteShare(ctx, userID, shareID)
	return err
}

// DeleteUser wipes every key of a user, unlocked and cached.
func (r *Resolver) DeleteUser(ctx context.Context, userID string) error {
	r.Forget(userID)
	if _, err := r.vaultKeys.DeleteUser(ctx, userID); err != nil {
		return err
	}
	_, err := r.itemKeys.DeleteUser(ctx, userID)
	return err
}
