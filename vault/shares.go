package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/internal/uuid"
	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/storage"
)

const (
	sharesCollection = "shares"

	attrUserID  = "user_id"
	attrShareID = "share_id"
	attrPrimary = "primary"
)

// TeardownFunc removes state that belongs to a share when the share goes
// away locally.
type TeardownFunc func(ctx context.Context, userID, shareID string) error

// Shares is the share repository.
type Shares struct {
	client   remote.Client
	store    storage.Store
	resolver *keys.Resolver
	keyring  keys.AddressKeyring
	opts     options

	mu       sync.Mutex
	teardown []TeardownFunc
}

var _ keys.ShareInfoSource = (*Shares)(nil)

// NewShares returns a share repository.
func NewShares(client remote.Client, store storage.Store, resolver *keys.Resolver, keyring keys.AddressKeyring, opts ...Option) *Shares {
	return &Shares{
		client:   client,
		store:    store,
		resolver: resolver,
		keyring:  keyring,
		opts:     newOptions(opts),
	}
}

// OnTeardown registers fn to run whenever a share is removed locally.
func (s *Shares) OnTeardown(fn TeardownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = append(s.teardown, fn)
}

// Get returns a share. With CacheFirst the server is only asked on a local
// miss. If the server cannot be reached the cached share is returned.
func (s *Shares) Get(ctx context.Context, userID, shareID string, policy remote.RefreshPolicy) (Share, error) {
	if err := validateID(shareID, "share ID"); err != nil {
		return Share{}, err
	}
	cached, found, err := s.local(ctx, userID, shareID)
	if err != nil {
		return Share{}, err
	}
	if found && policy == remote.CacheFirst {
		return cached, nil
	}

	rs, err := s.client.GetShare(ctx, userID, shareID)
	switch {
	case remote.IsNotFound(err):
		if found {
			if err := s.Delete(ctx, userID, shareID); err != nil {
				return Share{}, err
			}
		}
		return Share{}, fmt.Errorf("share %s: %w", shareID, ErrShareNotFound)
	case err != nil && found:
		s.opts.logger.Warn("share refresh failed, serving cached copy",
			slog.String("share_id", shareID),
			slog.String("error", err.Error()),
		)
		return cached, nil
	case err != nil:
		return Share{}, &FetchError{Resource: "share", ID: shareID, Err: err}
	}

	if err := s.Upsert(ctx, shareFromRemote(userID, rs)); err != nil {
		return Share{}, err
	}
	stored, found, err := s.local(ctx, userID, shareID)
	if err != nil {
		return Share{}, err
	}
	if !found {
		return Share{}, fmt.Errorf("share %s: %w", shareID, ErrShareNotFound)
	}
	return stored, nil
}

// List returns the user's shares, refreshing from the server when nothing
// is cached or when forced.
func (s *Shares) List(ctx context.Context, userID string, policy remote.RefreshPolicy) ([]Share, error) {
	cached, err := s.localAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 && policy == remote.CacheFirst {
		return cached, nil
	}

	if _, _, err := s.Refresh(ctx, userID); err != nil {
		if len(cached) == 0 {
			return nil, &FetchError{Resource: "shares", Err: err}
		}
		s.opts.logger.Warn("share list refresh failed, serving cached copy",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return cached, nil
	}
	return s.localAll(ctx, userID)
}

// Refresh replaces the local share list with the server's. Shares no
// longer on the server are torn down. It returns the IDs added and removed.
func (s *Shares) Refresh(ctx context.Context, userID string) (added, removed []string, err error) {
	remoteShares, err := s.client.GetShares(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	cached, err := s.localAll(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool, len(cached))
	for _, sh := range cached {
		known[sh.ShareID] = true
	}
	fresh := make([]Share, 0, len(remoteShares))
	seen := make(map[string]bool, len(remoteShares))
	for _, rs := range remoteShares {
		seen[rs.ShareID] = true
		if !known[rs.ShareID] {
			added = append(added, rs.ShareID)
		}
		fresh = append(fresh, shareFromRemote(userID, rs))
	}
	if err := s.Upsert(ctx, fresh...); err != nil {
		return nil, nil, err
	}

	for _, sh := range cached {
		if seen[sh.ShareID] {
			continue
		}
		if err := s.Delete(ctx, userID, sh.ShareID); err != nil {
			return added, removed, err
		}
		removed = append(removed, sh.ShareID)
	}
	if len(added) > 0 || len(removed) > 0 {
		s.opts.logger.Info("share list changed",
			slog.String("user_id", userID),
			slog.Int("added", len(added)),
			slog.Int("removed", len(removed)),
		)
	}
	return added, removed, nil
}

// Upsert stores shares locally.
func (s *Shares) Upsert(ctx context.Context, shares ...Share) error {
	if len(shares) == 0 {
		return nil
	}
	recs := make([]storage.Record, 0, len(shares))
	for _, sh := range shares {
		data, err := json.Marshal(sh)
		if err != nil {
			return fmt.Errorf("encoding share %s: %w", sh.ShareID, err)
		}
		recs = append(recs, storage.Record{
			ID: shareRecordID(sh.UserID, sh.ShareID),
			Attrs: map[string]string{
				attrUserID:  sh.UserID,
				attrShareID: sh.ShareID,
				attrPrimary: strconv.FormatBool(sh.Primary),
			},
			Data: data,
		})
	}
	if err := s.store.Upsert(ctx, sharesCollection, recs...); err != nil {
		return fmt.Errorf("storing shares: %w", err)
	}
	return nil
}

// ApplyRemote stores a share as reported by a server event.
func (s *Shares) ApplyRemote(ctx context.Context, userID string, rs remote.Share) error {
	return s.Upsert(ctx, shareFromRemote(userID, rs))
}

// Delete removes a share locally and runs every teardown hook for it.
// Hook failures are joined; the share record itself is removed first.
func (s *Shares) Delete(ctx context.Context, userID, shareID string) error {
	if _, err := s.store.Delete(ctx, sharesCollection, storage.WhereID(shareRecordID(userID, shareID))); err != nil {
		return fmt.Errorf("deleting share %s: %w", shareID, err)
	}

	s.mu.Lock()
	hooks := slices.Clone(s.teardown)
	s.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx, userID, shareID); err != nil {
			errs = append(errs, err)
		}
	}
	s.opts.logger.Debug("share torn down", slog.String("share_id", shareID))
	return errors.Join(errs...)
}

// DeleteUser tears down every share of a user.
func (s *Shares) DeleteUser(ctx context.Context, userID string) error {
	cached, err := s.localAll(ctx, userID)
	if err != nil {
		return err
	}
	var errs []error
	for _, sh := range cached {
		if err := s.Delete(ctx, userID, sh.ShareID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateVault creates a vault owned by addressID. The share ID, first
// rotation and signing key are generated here so the server only ever
// receives sealed key material.
func (s *Shares) CreateVault(ctx context.Context, userID, addressID string, content VaultContent) (Share, error) {
	if err := ctx.Err(); err != nil {
		return Share{}, err
	}
	if err := validateVaultContent(content); err != nil {
		return Share{}, err
	}
	ak, err := s.keyring.AddressKey(ctx, userID, addressID)
	if err != nil {
		return Share{}, err
	}

	shareID := uuid.New()
	signer, err := crypto.GenerateSigningKey()
	if err != nil {
		return Share{}, err
	}
	rot, err := s.resolver.NewShareKeys(ctx, userID, addressID, shareID, signer)
	if err != nil {
		return Share{}, err
	}
	imported := false
	defer func() {
		if !imported {
			rot.Vault.Destroy()
			rot.Item.Destroy()
		}
	}()

	plain, err := json.Marshal(content)
	if err != nil {
		return Share{}, err
	}
	sealedContent, err := rot.Vault.Encrypt(plain, icrypto.AADShareContent(shareID, rot.Remote.RotationID))
	if err != nil {
		return Share{}, err
	}
	priv, err := signer.Export()
	if err != nil {
		return Share{}, err
	}
	signingWrap, err := crypto.SealToAddress(ak.Public(), priv, icrypto.AADSigningKey(shareID))
	util.WipeBytes(priv)
	if err != nil {
		return Share{}, err
	}

	rs, err := s.client.CreateShare(ctx, userID, remote.CreateShareRequest{
		ShareID:           shareID,
		AddressID:         addressID,
		SigningKey:        signer.Public,
		SigningKeyWrap:    signingWrap,
		Content:           sealedContent,
		ContentRotationID: rot.Remote.RotationID,
		Key:               rot.Remote,
	})
	if err != nil {
		return Share{}, fmt.Errorf("creating vault: %w", err)
	}

	share := shareFromRemote(userID, rs)
	if err := s.Upsert(ctx, share); err != nil {
		s.opts.logger.Error("vault created but not cached",
			slog.String("share_id", shareID),
			slog.String("error", err.Error()),
		)
		return share, nil
	}
	if err := s.resolver.Import(ctx, userID, shareID, rot); err != nil {
		s.opts.logger.Warn("vault keys not cached, will refetch",
			slog.String("share_id", shareID),
			slog.String("error", err.Error()),
		)
	} else {
		imported = true
	}

	s.opts.logger.Info("vault created", slog.String("share_id", shareID))
	stored, found, err := s.local(ctx, userID, shareID)
	if err != nil || !found {
		return share, err
	}
	return stored, nil
}

// Contents decrypts a share's display metadata.
func (s *Shares) Contents(ctx context.Context, share Share) (VaultContent, error) {
	if len(share.Content) == 0 {
		return VaultContent{}, nil
	}
	plain, err := s.resolver.DecryptShareContent(ctx, share.UserID, share.ShareID, share.ContentRotationID, share.Content)
	if err != nil {
		return VaultContent{}, err
	}
	defer util.WipeBytes(plain)
	var c VaultContent
	if err := json.Unmarshal(plain, &c); err != nil {
		return VaultContent{}, fmt.Errorf("decoding share %s content: %w", share.ShareID, err)
	}
	return c, nil
}

// ShareKeyInfo returns the address and signing key the resolver needs to
// unlock the share's keys.
func (s *Shares) ShareKeyInfo(ctx context.Context, userID, shareID string) (keys.ShareKeyInfo, error) {
	sh, err := s.Get(ctx, userID, shareID, remote.CacheFirst)
	if err != nil {
		return keys.ShareKeyInfo{}, err
	}
	return keys.ShareKeyInfo{AddressID: sh.AddressID, SigningKey: sh.SigningKey}, nil
}

func (s *Shares) local(ctx context.Context, userID, shareID string) (Share, bool, error) {
	recs, err := s.store.Get(ctx, sharesCollection, storage.WhereID(shareRecordID(userID, shareID)))
	if err != nil {
		return Share{}, false, fmt.Errorf("reading share %s: %w", shareID, err)
	}
	if len(recs) == 0 {
		return Share{}, false, nil
	}
	sh, err := decodeShare(recs[0])
	if err != nil {
		return Share{}, false, err
	}
	return sh, true, nil
}

// localAll skips corrupt records; the next refresh rewrites them.
func (s *Shares) localAll(ctx context.Context, userID string) ([]Share, error) {
	recs, err := s.store.Get(ctx, sharesCollection, storage.Where(attrUserID, userID))
	if err != nil {
		return nil, fmt.Errorf("reading shares: %w", err)
	}
	out := make([]Share, 0, len(recs))
	for _, rec := range recs {
		sh, err := decodeShare(rec)
		if err != nil {
			s.opts.logger.Warn("skipping corrupt share record",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, sh)
	}
	return out, nil
}

func decodeShare(rec storage.Record) (Share, error) {
	var sh Share
	if err := json.Unmarshal(rec.Data, &sh); err != nil {
		return Share{}, &DecodeError{Collection: sharesCollection, ID: rec.ID, Err: err}
	}
	switch {
	case sh.ShareID == "":
		return Share{}, &DecodeError{Collection: sharesCollection, ID: rec.ID, Err: errors.New("missing share_id")}
	case sh.AddressID == "":
		return Share{}, &DecodeError{Collection: sharesCollection, ID: rec.ID, Err: errors.New("missing address_id")}
	case len(sh.SigningKey) == 0:
		return Share{}, &DecodeError{Collection: sharesCollection, ID: rec.ID, Err: errors.New("missing signing_key")}
	}
	return sh, nil
}

func shareRecordID(userID, shareID string) string {
	return userID + "/" + shareID
}
