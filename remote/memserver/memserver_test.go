package memserver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/remote"
)

func seeded(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	s := New(opts...)
	shareID, err := s.SeedShare("alice", ShareContent{Name: "Personal"})
	require.NoError(t, err)
	return s, shareID
}

func TestSharesAndKeys(t *testing.T) {
	ctx := t.Context()
	s, shareID := seeded(t)

	shares, err := s.GetShares(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, shareID, shares[0].ShareID)
	assert.True(t, shares[0].Primary)

	rot, err := s.RotateShareKey(shareID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rot)

	page, err := s.GetShareKeys(ctx, "alice", shareID, 0, 1)
	require.NoError(t, err)
	assert.Len(t, page.Keys, 1)
	assert.Equal(t, 2, page.Total)

	page, err = s.GetShareKeys(ctx, "alice", shareID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Keys, 1)
	assert.Equal(t, int64(2), page.Keys[0].RotationID)

	_, err = s.GetShare(ctx, "bob", shareID)
	assert.ErrorIs(t, err, remote.ErrSessionInvalid, "unknown user has no session")

	_, err = s.AddUser("bob")
	require.NoError(t, err)
	_, err = s.GetShare(ctx, "bob", shareID)
	assert.True(t, remote.IsNotFound(err), "shares are scoped to their user")
}

func TestItemsLifecycle(t *testing.T) {
	ctx := t.Context()
	s, shareID := seeded(t, WithItemsPageSize(2))

	for range 3 {
		_, err := s.PutItem(shareID, "login", []byte("secret"))
		require.NoError(t, err)
	}

	first, err := s.GetItems(ctx, "alice", shareID, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextToken)

	second, err := s.GetItems(ctx, "alice", shareID, first.NextToken)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextToken)

	it := first.Items[0]
	_, err = s.UpdateItem(ctx, "alice", shareID, remote.UpdateItemRequest{ItemID: it.ItemID, LastRevision: it.Revision + 5, RotationID: 1, Content: it.Content})
	apiErr, ok := errors.AsType[*remote.APIError](err)
	require.True(t, ok)
	assert.Equal(t, remote.CodeRevisionMismatch, apiErr.Code)

	trashed, err := s.TrashItems(ctx, "alice", shareID, []remote.ItemRevision{{ItemID: it.ItemID, Revision: it.Revision}})
	require.NoError(t, err)
	assert.Equal(t, remote.StateTrashed, trashed[0].State)
	assert.Equal(t, it.Revision+1, trashed[0].Revision)

	require.NoError(t, s.DeleteItems(ctx, "alice", shareID, []remote.ItemRevision{{ItemID: it.ItemID, Revision: trashed[0].Revision}}))
	_, err = s.GetItem(ctx, "alice", shareID, it.ItemID)
	assert.True(t, remote.IsNotFound(err))

	used := time.Now().UTC().Truncate(time.Second)
	got, err := s.UpdateLastUseTime(ctx, "alice", shareID, first.Items[1].ItemID, used)
	require.NoError(t, err)
	assert.True(t, got.LastUseTime.Equal(used))

	plain, err := s.ItemContent(shareID, first.Items[1].ItemID)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)
}

func TestEvents(t *testing.T) {
	ctx := t.Context()
	s, shareID := seeded(t, WithEventsPageSize(2))

	for range 3 {
		_, err := s.PutItem(shareID, "note", []byte("n"))
		require.NoError(t, err)
	}

	page, err := s.GetEvents(ctx, "alice", shareID, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.More)
	assert.Equal(t, int64(2), page.LastSeq)

	page, err = s.GetEvents(ctx, "alice", shareID, page.LastEventID)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.False(t, page.More)
	assert.Equal(t, int64(3), page.Events[0].Seq)

	latest, err := s.GetLatestEventID(ctx, "alice", shareID)
	require.NoError(t, err)
	assert.Equal(t, page.LastEventID, latest.EventID)

	empty, err := s.GetEvents(ctx, "alice", shareID, latest.EventID)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.Equal(t, latest.EventID, empty.LastEventID)

	require.NoError(t, s.CompactEvents(shareID))
	stale, err := s.GetEvents(ctx, "alice", shareID, "unknown")
	require.NoError(t, err)
	assert.True(t, stale.FullRefresh)
}

func TestFailureInjection(t *testing.T) {
	ctx := t.Context()
	s, shareID := seeded(t)

	boom := errors.New("boom")
	s.Fail("GetEvents", boom)
	_, err := s.GetEvents(ctx, "alice", shareID, "")
	assert.ErrorIs(t, err, boom)
	s.ClearFailures()

	s.SetUnavailable(true)
	_, err = s.GetShares(ctx, "alice")
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	s.SetUnavailable(false)

	s.RevokeUser("alice")
	_, err = s.GetShares(ctx, "alice")
	assert.ErrorIs(t, err, remote.ErrSessionInvalid)

	assert.Equal(t, 1, s.Calls("GetEvents"))
	assert.Equal(t, 3, s.TotalCalls())
	s.ResetCalls()
	assert.Zero(t, s.TotalCalls())
}

func TestTokens(t *testing.T) {
	s := New(WithTokenSecret([]byte("test-secret")))
	resp, err := s.Login("carol")
	require.NoError(t, err)
	require.Len(t, resp.Addresses, 1)

	userID, err := s.authenticate(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)

	other := New(WithTokenSecret([]byte("other-secret")))
	_, err = other.authenticate(resp.AccessToken)
	assert.ErrorIs(t, err, errInvalidToken)

	s.RevokeUser("carol")
	_, err = s.authenticate(resp.AccessToken)
	assert.ErrorIs(t, err, errInvalidToken)
}
