package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keysync-test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id, share string) storage.Record {
	return storage.Record{ID: id, Attrs: map[string]string{"share_id": share}, Data: []byte(id)}
}

func TestBBoltStore(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	t.Run("GetEmpty", func(t *testing.T) {
		got, err := s.Get(ctx, "items", storage.All())
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("UpsertGet", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "items", rec("s1/i2", "s1"), rec("s1/i1", "s1"), rec("s2/i1", "s2")))

		got, err := s.Get(ctx, "items", storage.Where("share_id", "s1"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "s1/i1", got[0].ID)
		assert.Equal(t, []byte("s1/i1"), got[0].Data)
	})

	t.Run("Delete", func(t *testing.T) {
		n, err := s.Delete(ctx, "items", storage.Where("share_id", "s1"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Delete(ctx, "missing", storage.All())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch(ctx, func(tx storage.Tx) error {
			require.NoError(t, tx.Upsert("items", rec("s3/i1", "s3")))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, _ := s.Get(ctx, "items", storage.Where("share_id", "s3"))
		assert.Empty(t, got)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Get(cctx, "items", storage.All())
		require.Error(t, err)
	})
}

func TestBBoltSecretStore(t *testing.T) {
	ctx := t.Context()
	s := NewSecretStore(newTestStore(t).DB())

	_, err := s.GetBytes(ctx, "device")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetBytes(ctx, "device", []byte("sealed")))
	got, err := s.GetBytes(ctx, "device")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)

	require.NoError(t, s.RemoveBytes(ctx, "device"))
	_, err = s.GetBytes(ctx, "device")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
