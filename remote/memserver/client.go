package memserver

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/uuid"
	"github.com/jmcleod/keysync/remote"
)

var _ remote.Client = (*Server)(nil)

func (s *Server) GetShares(_ context.Context, userID string) ([]remote.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetShares", userID); err != nil {
		return nil, err
	}
	var out []remote.Share
	for _, sh := range s.sharesOfLocked(userID) {
		out = append(out, sh.meta)
	}
	slices.SortFunc(out, func(a, b remote.Share) int { return a.CreateTime.Compare(b.CreateTime) })
	return out, nil
}

func (s *Server) GetShare(_ context.Context, userID, shareID string) (remote.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetShare", userID); err != nil {
		return remote.Share{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.Share{}, err
	}
	return sh.meta, nil
}

func (s *Server) CreateShare(_ context.Context, userID string, req remote.CreateShareRequest) (remote.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CreateShare", userID); err != nil {
		return remote.Share{}, err
	}
	if req.ShareID == "" || req.Key.RotationID != 1 {
		return remote.Share{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "share id and first rotation required"}
	}
	if _, exists := s.shares[req.ShareID]; exists {
		return remote.Share{}, &remote.APIError{Status: http.StatusConflict, Code: remote.CodeConflict, Message: "share id in use"}
	}
	ak, ok := s.accounts[userID].addresses[req.AddressID]
	if !ok {
		return remote.Share{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "unknown address"}
	}
	if err := crypto.Verify(req.SigningKey, icrypto.AADVaultKey(req.ShareID, 1), req.Key.VaultKey, req.Key.VaultKeySignature); err != nil {
		return remote.Share{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "vault key signature invalid"}
	}

	priv, err := ak.Open(req.SigningKeyWrap, icrypto.AADSigningKey(req.ShareID))
	if err != nil {
		return remote.Share{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "signing key wrap invalid"}
	}
	signer, err := crypto.NewSigningKey(ed25519.PrivateKey(priv))
	if err != nil {
		return remote.Share{}, err
	}

	now := time.Now().UTC()
	key := req.Key
	key.CreateTime = now
	sh := &share{
		meta: remote.Share{
			ShareID:           req.ShareID,
			VaultID:           uuid.New(),
			AddressID:         req.AddressID,
			TargetType:        "vault",
			SigningKey:        req.SigningKey,
			SigningKeyWrap:    req.SigningKeyWrap,
			Content:           req.Content,
			ContentRotationID: req.ContentRotationID,
			Owner:             true,
			Primary:           len(s.sharesOfLocked(userID)) == 0,
			CreateTime:        now,
		},
		userID: userID,
		signer: signer,
		keys:   []remote.ShareKey{key},
		items:  make(map[string]*remote.Item),
	}
	sh.meta.TargetID = sh.meta.VaultID
	s.shares[req.ShareID] = sh
	return sh.meta, nil
}

func (s *Server) GetShareKeys(_ context.Context, userID, shareID string, page, pageSize int) (remote.ShareKeysPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetShareKeys", userID); err != nil {
		return remote.ShareKeysPage{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.ShareKeysPage{}, err
	}
	if pageSize <= 0 {
		pageSize = len(sh.keys)
	}
	start, end := pageBounds(len(sh.keys), page*pageSize, pageSize)
	return remote.ShareKeysPage{
		Keys:  slices.Clone(sh.keys[start:end]),
		Total: len(sh.keys),
	}, nil
}

func (s *Server) GetItems(_ context.Context, userID, shareID, token string) (remote.ItemsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetItems", userID); err != nil {
		return remote.ItemsPage{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.ItemsPage{}, err
	}
	offset := 0
	if token != "" {
		if offset, err = strconv.Atoi(token); err != nil || offset < 0 {
			return remote.ItemsPage{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "invalid page token"}
		}
	}
	start, end := pageBounds(len(sh.order), offset, s.itemsPageSize)
	resp := remote.ItemsPage{Items: make([]remote.Item, 0, end-start)}
	for _, id := range sh.order[start:end] {
		resp.Items = append(resp.Items, *sh.items[id])
	}
	if end < len(sh.order) {
		resp.NextToken = strconv.Itoa(end)
	}
	return resp, nil
}

func (s *Server) GetItem(_ context.Context, userID, shareID, itemID string) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetItem", userID); err != nil {
		return remote.Item{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.Item{}, err
	}
	it, ok := sh.items[itemID]
	if !ok {
		return remote.Item{}, remote.NotFound("item %s", itemID)
	}
	return *it, nil
}

func (s *Server) CreateItem(_ context.Context, userID, shareID string, req remote.CreateItemRequest) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CreateItem", userID); err != nil {
		return remote.Item{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.Item{}, err
	}
	if !sh.hasRotation(req.RotationID) {
		return remote.Item{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "unknown rotation"}
	}
	return *s.createItemLocked(sh, req), nil
}

func (s *Server) UpdateItem(_ context.Context, userID, shareID string, req remote.UpdateItemRequest) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("UpdateItem", userID); err != nil {
		return remote.Item{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.Item{}, err
	}
	it, ok := sh.items[req.ItemID]
	if !ok {
		return remote.Item{}, remote.NotFound("item %s", req.ItemID)
	}
	if it.Revision != req.LastRevision {
		return remote.Item{}, revisionMismatch(it)
	}
	if !sh.hasRotation(req.RotationID) {
		return remote.Item{}, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "unknown rotation"}
	}
	it.RotationID = req.RotationID
	it.Content = req.Content
	s.touchItemLocked(sh, it)
	return *it, nil
}

func (s *Server) TrashItems(_ context.Context, userID, shareID string, items []remote.ItemRevision) ([]remote.Item, error) {
	return s.setState("TrashItems", userID, shareID, items, remote.StateTrashed)
}

func (s *Server) UntrashItems(_ context.Context, userID, shareID string, items []remote.ItemRevision) ([]remote.Item, error) {
	return s.setState("UntrashItems", userID, shareID, items, remote.StateActive)
}

func (s *Server) setState(method, userID, shareID string, revs []remote.ItemRevision, state remote.ItemState) ([]remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(method, userID); err != nil {
		return nil, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return nil, err
	}
	if err := sh.checkRevisions(revs); err != nil {
		return nil, err
	}
	out := make([]remote.Item, 0, len(revs))
	for _, rev := range revs {
		it := sh.items[rev.ItemID]
		it.State = state
		s.touchItemLocked(sh, it)
		out = append(out, *it)
	}
	return out, nil
}

func (s *Server) DeleteItems(_ context.Context, userID, shareID string, revs []remote.ItemRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("DeleteItems", userID); err != nil {
		return err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return err
	}
	if err := sh.checkRevisions(revs); err != nil {
		return err
	}
	for _, rev := range revs {
		s.removeItemLocked(sh, rev.ItemID)
	}
	return nil
}

func (s *Server) UpdateLastUseTime(_ context.Context, userID, shareID, itemID string, at time.Time) (remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("UpdateLastUseTime", userID); err != nil {
		return remote.Item{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.Item{}, err
	}
	it, ok := sh.items[itemID]
	if !ok {
		return remote.Item{}, remote.NotFound("item %s", itemID)
	}
	if at.After(it.LastUseTime) {
		it.LastUseTime = at.UTC()
	}
	s.appendEventLocked(sh, remote.Event{Kind: remote.EventItemLastUsed, ItemID: itemID, LastUseTime: it.LastUseTime})
	return *it, nil
}

func (s *Server) GetLatestEventID(_ context.Context, userID, shareID string) (remote.LatestEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetLatestEventID", userID); err != nil {
		return remote.LatestEvent{}, err
	}
	sh, err := s.userShareLocked(userID, shareID)
	if err != nil {
		return remote.LatestEvent{}, err
	}
	if len(sh.events) == 0 {
		return remote.LatestEvent{}, nil
	}
	last := sh.events[len(sh.events)-1]
	return remote.LatestEvent{EventID: last.ID, Seq: last.Seq}, nil
}

// GetEvents returns events strictly after sinceEventID. A share that was
// deleted still serves its final share_deleted event.
func (s *Server) GetEvents(_ context.Context, userID, shareID, sinceEventID string) (remote.EventsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetEvents", userID); err != nil {
		return remote.EventsPage{}, err
	}
	sh, ok := s.shares[shareID]
	if !ok || sh.userID != userID {
		return remote.EventsPage{}, remote.NotFound("share %s", shareID)
	}

	start := -1
	switch {
	case sinceEventID == "" && !sh.compacted:
		start = 0
	case sinceEventID != "":
		for i, ev := range sh.events {
			if ev.ID == sinceEventID {
				start = i + 1
				break
			}
		}
	}
	if start < 0 {
		page := remote.EventsPage{FullRefresh: true}
		if n := len(sh.events); n > 0 {
			page.LastEventID = sh.events[n-1].ID
			page.LastSeq = sh.events[n-1].Seq
		}
		return page, nil
	}

	end := min(start+s.eventsPageSize, len(sh.events))
	page := remote.EventsPage{
		Events: slices.Clone(sh.events[start:end]),
		More:   end < len(sh.events),
	}
	if end > 0 {
		page.LastEventID = sh.events[end-1].ID
		page.LastSeq = sh.events[end-1].Seq
	} else {
		page.LastEventID = sinceEventID
	}
	return page, nil
}

func (sh *share) hasRotation(rotation int64) bool {
	for _, k := range sh.keys {
		if k.RotationID == rotation {
			return true
		}
	}
	return false
}

func (sh *share) checkRevisions(revs []remote.ItemRevision) error {
	for _, rev := range revs {
		it, ok := sh.items[rev.ItemID]
		if !ok {
			return remote.NotFound("item %s", rev.ItemID)
		}
		if it.Revision != rev.Revision {
			return revisionMismatch(it)
		}
	}
	return nil
}

func revisionMismatch(it *remote.Item) error {
	return &remote.APIError{
		Status:  http.StatusConflict,
		Code:    remote.CodeRevisionMismatch,
		Message: fmt.Sprintf("item %s is at revision %d", it.ItemID, it.Revision),
	}
}

// pageBounds returns [start, end) for a page of limit entries at offset.
func pageBounds(total, offset, limit int) (start, end int) {
	start = min(offset, total)
	end = min(start+limit, total)
	return start, end
}
