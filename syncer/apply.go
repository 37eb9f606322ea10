package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/keysync/remote"
)

// batch is one page of events split into the categories applied in order.
type batch struct {
	rotated      bool
	share        *remote.Share
	shareStale   bool
	shareDeleted bool
	upserts      []remote.Item
	lastUse      map[string]time.Time
	deletes      []string
}

// categorize keeps server order within each category. Only the last
// upsert of an item in the page is kept.
func categorize(events []remote.Event) batch {
	var b batch
	upsertAt := make(map[string]int)
	for _, ev := range events {
		switch ev.Kind {
		case remote.EventKeyRotated:
			b.rotated = true
		case remote.EventShareUpdated:
			if ev.Share != nil {
				b.share = ev.Share
			} else {
				b.shareStale = true
			}
		case remote.EventShareDeleted:
			b.shareDeleted = true
		case remote.EventItemUpserted:
			if ev.Item == nil {
				continue
			}
			if i, ok := upsertAt[ev.Item.ItemID]; ok {
				b.upserts[i] = *ev.Item
				continue
			}
			upsertAt[ev.Item.ItemID] = len(b.upserts)
			b.upserts = append(b.upserts, *ev.Item)
		case remote.EventItemLastUsed:
			if b.lastUse == nil {
				b.lastUse = make(map[string]time.Time)
			}
			if ev.LastUseTime.After(b.lastUse[ev.ItemID]) {
				b.lastUse[ev.ItemID] = ev.LastUseTime
			}
		case remote.EventItemDeleted:
			b.deletes = append(b.deletes, ev.ItemID)
		}
	}
	return b
}

// apply applies one page: key rotations, then share metadata, then item
// upserts and last-use times, then item deletions. It reports whether the
// share itself was deleted, in which case it has been torn down locally.
func (s *Synchronizer) apply(ctx context.Context, userID, shareID string, events []remote.Event) (deleted bool, err error) {
	if len(events) == 0 {
		return false, nil
	}
	b := categorize(events)

	if b.rotated {
		if err := s.resolver.Refresh(ctx, userID, shareID); err != nil {
			return false, fmt.Errorf("applying key rotation: %w", err)
		}
	}

	if b.shareDeleted {
		if err := s.shares.Delete(ctx, userID, shareID); err != nil {
			return false, fmt.Errorf("applying share deletion: %w", err)
		}
		return true, nil
	}
	if b.share != nil {
		if err := s.shares.ApplyRemote(ctx, userID, *b.share); err != nil {
			return false, fmt.Errorf("applying share update: %w", err)
		}
	} else if b.shareStale {
		if _, err := s.shares.Get(ctx, userID, shareID, remote.ForceRefresh); err != nil {
			return false, fmt.Errorf("applying share update: %w", err)
		}
	}

	if err := s.items.ApplyUpserts(ctx, userID, shareID, b.upserts); err != nil {
		return false, fmt.Errorf("applying item upserts: %w", err)
	}
	for itemID, at := range b.lastUse {
		if err := s.items.ApplyLastUse(ctx, userID, shareID, itemID, at); err != nil {
			return false, fmt.Errorf("applying last use: %w", err)
		}
	}
	if _, err := s.items.ApplyDeletes(ctx, userID, shareID, b.deletes); err != nil {
		return false, fmt.Errorf("applying item deletions: %w", err)
	}
	return false, nil
}
