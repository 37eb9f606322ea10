package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/storage"
)

func rec(id, user string) storage.Record {
	return storage.Record{ID: id, Attrs: map[string]string{"user_id": user}, Data: []byte("data-" + id)}
}

func TestStore(t *testing.T) {
	ctx := t.Context()
	s := NewStore()

	t.Run("UpsertAndGet", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "items", rec("b", "u1"), rec("a", "u1"), rec("c", "u2")))

		got, err := s.Get(ctx, "items", storage.Where("user_id", "u1"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		r := rec("a", "u1")
		r.Data = []byte("replaced")
		require.NoError(t, s.Upsert(ctx, "items", r))

		got, err := s.Get(ctx, "items", storage.WhereID("a"))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("replaced"), got[0].Data)
		assert.Equal(t, 3, s.Count("items"))
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		got, _ := s.Get(ctx, "items", storage.WhereID("a"))
		got[0].Data[0] = 'X'
		got[0].Attrs["user_id"] = "mutated"

		again, _ := s.Get(ctx, "items", storage.WhereID("a"))
		assert.Equal(t, []byte("replaced"), again[0].Data)
		assert.Equal(t, "u1", again[0].Attr("user_id"))
	})

	t.Run("Delete", func(t *testing.T) {
		n, err := s.Delete(ctx, "items", storage.Where("user_id", "u1"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, _ := s.Get(ctx, "items", storage.All())
		require.Len(t, got, 1)
		assert.Equal(t, "c", got[0].ID)
	})

	t.Run("MissingCollection", func(t *testing.T) {
		got, err := s.Get(ctx, "nothing", storage.All())
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStoreBatchRollback(t *testing.T) {
	ctx := t.Context()
	s := NewStore()
	require.NoError(t, s.Upsert(ctx, "items", rec("a", "u1")))

	boom := errors.New("boom")
	err := s.Batch(ctx, func(tx storage.Tx) error {
		if err := tx.Upsert("items", rec("b", "u1")); err != nil {
			return err
		}
		if _, err := tx.Delete("items", storage.WhereID("a")); err != nil {
			return err
		}
		got, _ := tx.Get("items", storage.All())
		assert.Len(t, got, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := s.Get(ctx, "items", storage.All())
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	require.NoError(t, s.Batch(ctx, func(tx storage.Tx) error {
		return tx.Upsert("items", rec("b", "u1"))
	}))
	assert.Equal(t, 2, s.Count("items"))
}

func TestSecretStore(t *testing.T) {
	ctx := t.Context()
	s := NewSecretStore()

	_, err := s.GetBytes(ctx, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)

	v := []byte("value")
	require.NoError(t, s.SetBytes(ctx, "k", v))
	v[0] = 'X'

	got, err := s.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, s.RemoveBytes(ctx, "k"))
	_, err = s.GetBytes(ctx, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
