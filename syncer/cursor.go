package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/keysync/storage"
)

// ErrCursorRegression is returned when a cursor would move to an older
// position than the one stored.
var ErrCursorRegression = errors.New("cursor regression: event sequence is older than the stored cursor")

const cursorsCollection = "sync_cursors"

// Cursor is the last event of a share that was fully applied locally. Seq
// is the server's sequence number of LastEventID.
type Cursor struct {
	UserID      string    `json:"user_id"`
	ShareID     string    `json:"share_id"`
	LastEventID string    `json:"last_event_id"`
	Seq         int64     `json:"seq"`
	UpdateTime  time.Time `json:"update_time,omitzero"`
}

// CursorStore persists one cursor per (user, share) in the object store.
// Sequence numbers only move forward.
type CursorStore struct {
	store storage.Store
}

// NewCursorStore returns a cursor store over store.
func NewCursorStore(store storage.Store) *CursorStore {
	return &CursorStore{store: store}
}

// Get returns the cursor of a share. ok is false when none is stored.
func (c *CursorStore) Get(ctx context.Context, userID, shareID string) (cur Cursor, ok bool, err error) {
	recs, err := c.store.Get(ctx, cursorsCollection, storage.WhereID(cursorID(userID, shareID)))
	if err != nil {
		return Cursor{}, false, fmt.Errorf("reading cursor: %w", err)
	}
	if len(recs) == 0 {
		return Cursor{}, false, nil
	}
	if err := json.Unmarshal(recs[0].Data, &cur); err != nil {
		return Cursor{}, false, fmt.Errorf("decoding cursor %s: %w", recs[0].ID, err)
	}
	return cur, true, nil
}

// Set stores cur unless its Seq is lower than the stored one.
func (c *CursorStore) Set(ctx context.Context, cur Cursor) error {
	if cur.UpdateTime.IsZero() {
		cur.UpdateTime = time.Now().UTC()
	}
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	id := cursorID(cur.UserID, cur.ShareID)
	return c.store.Batch(ctx, func(tx storage.Tx) error {
		recs, err := tx.Get(cursorsCollection, storage.WhereID(id))
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			var prev Cursor
			if err := json.Unmarshal(recs[0].Data, &prev); err == nil && cur.Seq < prev.Seq {
				return fmt.Errorf("share %s: seq %d < %d: %w", cur.ShareID, cur.Seq, prev.Seq, ErrCursorRegression)
			}
		}
		return tx.Upsert(cursorsCollection, storage.Record{
			ID: id,
			Attrs: map[string]string{
				"user_id":  cur.UserID,
				"share_id": cur.ShareID,
			},
			Data: data,
		})
	})
}

// Delete removes the cursor of a share, so its next pass resyncs fully.
func (c *CursorStore) Delete(ctx context.Context, userID, shareID string) error {
	_, err := c.store.Delete(ctx, cursorsCollection, storage.WhereID(cursorID(userID, shareID)))
	return err
}

// DeleteUser removes every cursor of a user.
func (c *CursorStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := c.store.Delete(ctx, cursorsCollection, storage.Where("user_id", userID))
	return err
}

func cursorID(userID, shareID string) string {
	return userID + "/" + shareID
}
