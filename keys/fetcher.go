package keys

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/storage"
)

const defaultKeyPageSize = 50

// Fetcher pulls a share's full key set from the server and persists both
// halves of every rotation. Concurrent refreshes of one share share a
// single remote fetch.
type Fetcher struct {
	client    remote.Client
	store     storage.Store
	vaultKeys *VaultKeys
	itemKeys  *ItemKeys
	pageSize  int
	logger    *slog.Logger
	group     singleflight.Group
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithPageSize sets the page size used for key requests.
func WithPageSize(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// NewFetcher returns a Fetcher writing into the given caches.
func NewFetcher(client remote.Client, store storage.Store, vaultKeys *VaultKeys, itemKeys *ItemKeys, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    client,
		store:     store,
		vaultKeys: vaultKeys,
		itemKeys:  itemKeys,
		pageSize:  defaultKeyPageSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Refresh fetches every page of the share's key set and upserts it. It
// returns the number of rotations received. Callers for the same share join
// one fetch, which keeps running when the caller that started it goes away.
func (f *Fetcher) Refresh(ctx context.Context, userID, shareID string) (int, error) {
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(userID+"/"+shareID, func() (any, error) {
		return f.refresh(detached, userID, shareID)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			f.logger.Debug("joined in-flight key refresh", slog.String("share_id", shareID))
		}
		return res.Val.(int), nil
	}
}

func (f *Fetcher) refresh(ctx context.Context, userID, shareID string) (int, error) {
	var all []remote.ShareKey
	for page := 0; ; page++ {
		resp, err := f.client.GetShareKeys(ctx, userID, shareID, page, f.pageSize)
		if err != nil {
			return 0, fmt.Errorf("fetching keys for share %s: %w", shareID, err)
		}
		all = append(all, resp.Keys...)
		if len(resp.Keys) == 0 || len(all) >= resp.Total {
			break
		}
	}

	if err := f.Store(ctx, userID, shareID, all...); err != nil {
		return 0, err
	}
	f.logger.Debug("refreshed share keys",
		slog.String("share_id", shareID),
		slog.Int("rotations", len(all)),
	)
	return len(all), nil
}

// Store persists server key rotations for a share in one batch.
func (f *Fetcher) Store(ctx context.Context, userID, shareID string, keys ...remote.ShareKey) error {
	if len(keys) == 0 {
		return nil
	}
	vks := make([]VaultKey, 0, len(keys))
	iks := make([]ItemKey, 0, len(keys))
	for _, sk := range keys {
		vk, ik := splitShareKey(userID, shareID, sk)
		vks = append(vks, vk)
		iks = append(iks, ik)
	}
	err := f.store.Batch(ctx, func(tx storage.Tx) error {
		if err := f.vaultKeys.upsertTx(tx, vks...); err != nil {
			return err
		}
		return f.itemKeys.upsertTx(tx, iks...)
	})
	if err != nil {
		return fmt.Errorf("storing keys for share %s: %w", shareID, err)
	}
	return nil
}
