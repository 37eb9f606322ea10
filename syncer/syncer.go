// Package syncer reconciles the local cache with the server's per-share
// event logs. Each share is an independent consistency domain with its own
// cursor; a failure in one share never advances or blocks another.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/keysync/keys"
	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/vault"
)

const defaultConcurrency = 4

// Accounts lists the users to synchronise.
type Accounts interface {
	Users() []string
}

// SessionInvalidator is told when the server rejects a user's session.
type SessionInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// ShareError is the failure of one share's sub-pass. ShareID is empty when
// the user's share list could not be refreshed.
type ShareError struct {
	UserID  string
	ShareID string
	Err     error
}

func (e *ShareError) Error() string {
	if e.ShareID == "" {
		return fmt.Sprintf("sync user %s: %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("sync share %s of user %s: %v", e.ShareID, e.UserID, e.Err)
}

func (e *ShareError) Unwrap() error {
	return e.Err
}

// ShareResult describes one share's sub-pass.
type ShareResult struct {
	UserID     string
	ShareID    string
	Events     int
	Resynced   bool
	Removed    bool
	HadNewData bool
	Err        error
}

// Result aggregates a pass.
type Result struct {
	HadNewData bool
	Shares     []ShareResult
}

// Synchronizer runs reconciliation passes.
type Synchronizer struct {
	client      remote.Client
	shares      *vault.Shares
	items       *vault.Items
	resolver    *keys.Resolver
	cursors     *CursorStore
	accounts    Accounts
	invalidator SessionInvalidator
	concurrency int
	logger      *slog.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithConcurrency bounds how many shares of a user sync at once.
func WithConcurrency(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSessionInvalidator sets the receiver of rejected sessions.
func WithSessionInvalidator(inv SessionInvalidator) Option {
	return func(s *Synchronizer) {
		s.invalidator = inv
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = l
	}
}

// New returns a Synchronizer.
func New(client remote.Client, shares *vault.Shares, items *vault.Items, resolver *keys.Resolver, cursors *CursorStore, accounts Accounts, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		client:      client,
		shares:      shares,
		items:       items,
		resolver:    resolver,
		cursors:     cursors,
		accounts:    accounts,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs one pass over every share of every account. The returned error
// combines the ShareErrors of the pass; the Result is complete either way.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	var (
		res Result
		err error
	)
	for _, userID := range s.accounts.Users() {
		if ctx.Err() != nil {
			return res, multierr.Append(err, ctx.Err())
		}
		userRes, userErr := s.syncUser(ctx, userID)
		res.HadNewData = res.HadNewData || userRes.HadNewData
		res.Shares = append(res.Shares, userRes.Shares...)
		err = multierr.Append(err, userErr)
	}
	return res, err
}

func (s *Synchronizer) syncUser(ctx context.Context, userID string) (Result, error) {
	var res Result
	_, removed, err := s.shares.Refresh(ctx, userID)
	if err != nil {
		s.handleSessionError(ctx, userID, err)
		return res, &ShareError{UserID: userID, Err: err}
	}
	for _, shareID := range removed {
		res.HadNewData = true
		res.Shares = append(res.Shares, ShareResult{UserID: userID, ShareID: shareID, Removed: true, HadNewData: true})
	}

	list, err := s.shares.List(ctx, userID, remote.CacheFirst)
	if err != nil {
		return res, &ShareError{UserID: userID, Err: err}
	}

	// A rejected session stops the rest of this user's shares.
	userCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var invalidOnce sync.Once

	results := make([]ShareResult, len(list))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, sh := range list {
		g.Go(func() error {
			r := s.syncShare(userCtx, userID, sh.ShareID)
			if errors.Is(r.Err, remote.ErrSessionInvalid) {
				invalidOnce.Do(func() {
					cancel()
					s.handleSessionError(ctx, userID, r.Err)
				})
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, r := range results {
		res.HadNewData = res.HadNewData || r.HadNewData
		res.Shares = append(res.Shares, r)
		if r.Err != nil {
			errs = multierr.Append(errs, &ShareError{UserID: userID, ShareID: r.ShareID, Err: r.Err})
		}
	}
	return res, errs
}

// SyncShare runs one share's sub-pass on demand.
func (s *Synchronizer) SyncShare(ctx context.Context, userID, shareID string) (ShareResult, error) {
	r := s.syncShare(ctx, userID, shareID)
	if r.Err != nil {
		s.handleSessionError(ctx, userID, r.Err)
		return r, &ShareError{UserID: userID, ShareID: shareID, Err: r.Err}
	}
	return r, nil
}

func (s *Synchronizer) handleSessionError(ctx context.Context, userID string, err error) {
	if !errors.Is(err, remote.ErrSessionInvalid) || s.invalidator == nil {
		return
	}
	s.logger.Warn("session rejected by server", slog.String("user_id", userID))
	if err := s.invalidator.InvalidateUser(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Error("invalidating session", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) syncShare(ctx context.Context, userID, shareID string) ShareResult {
	res := ShareResult{UserID: userID, ShareID: shareID}
	if n, err := s.items.FlushLastUse(ctx, userID, shareID); err != nil {
		res.Err = err
		return res
	} else if n > 0 {
		s.logger.Debug("unsent last use flushed", slog.String("share_id", shareID), slog.Int("items", n))
	}
	cur, found, err := s.cursors.Get(ctx, userID, shareID)
	if err != nil {
		res.Err = err
		return res
	}
	if !found {
		return s.resync(ctx, res)
	}

	for {
		page, err := s.client.GetEvents(ctx, userID, shareID, cur.LastEventID)
		if err != nil {
			res.Err = fmt.Errorf("fetching events: %w", err)
			return res
		}
		if page.FullRefresh {
			s.logger.Info("cursor unknown to server, resyncing", slog.String("share_id", shareID))
			return s.resync(ctx, res)
		}

		deleted, err := s.apply(ctx, userID, shareID, page.Events)
		if err != nil {
			res.Err = err
			return res
		}
		res.Events += len(page.Events)
		res.HadNewData = res.HadNewData || len(page.Events) > 0
		if deleted {
			res.Removed = true
			return res
		}

		if page.LastEventID != "" && page.LastEventID != cur.LastEventID {
			cur = Cursor{UserID: userID, ShareID: shareID, LastEventID: page.LastEventID, Seq: page.LastSeq}
			if err := s.cursors.Set(ctx, cur); err != nil {
				res.Err = err
				return res
			}
		}
		if !page.More {
			break
		}
	}

	if res.Events > 0 {
		s.logger.Debug("share synced",
			slog.String("share_id", shareID),
			slog.Int("events", res.Events),
		)
	}
	return res
}

// resync replaces a share's items and keys with the server's current state
// and starts its cursor at the newest event. The newest event is read
// first so that anything written during the resync is replayed later.
func (s *Synchronizer) resync(ctx context.Context, res ShareResult) ShareResult {
	latest, err := s.client.GetLatestEventID(ctx, res.UserID, res.ShareID)
	if err != nil {
		res.Err = fmt.Errorf("reading latest event: %w", err)
		return res
	}
	if err := s.resolver.Refresh(ctx, res.UserID, res.ShareID); err != nil {
		res.Err = err
		return res
	}
	n, err := s.items.Resync(ctx, res.UserID, res.ShareID)
	if err != nil {
		res.Err = err
		return res
	}
	err = s.cursors.Set(ctx, Cursor{UserID: res.UserID, ShareID: res.ShareID, LastEventID: latest.EventID, Seq: latest.Seq})
	if errors.Is(err, ErrCursorRegression) {
		// The server's log restarted below our cursor; start over from it.
		s.logger.Warn("server event log restarted", slog.String("share_id", res.ShareID))
		if err = s.cursors.Delete(ctx, res.UserID, res.ShareID); err == nil {
			err = s.cursors.Set(ctx, Cursor{UserID: res.UserID, ShareID: res.ShareID, LastEventID: latest.EventID, Seq: latest.Seq})
		}
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.Resynced = true
	res.HadNewData = true
	s.logger.Info("share resynced", slog.String("share_id", res.ShareID), slog.Int("items", n))
	return res
}
