package memserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/keysync/remote"
)

type ctxKey struct{}

type errorResponse struct {
	Error remote.APIError `json:"error"`
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type lastUseRequest struct {
	LastUseTime time.Time `json:"last_use_time"`
}

type revisionsRequest struct {
	Items []remote.ItemRevision `json:"items"`
}

// Handler returns the HTTP API served by `keysync devserver`.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/shares", s.handleGetShares)
		r.Post("/shares", s.handleCreateShare)
		r.Route("/shares/{shareID}", func(r chi.Router) {
			r.Get("/", s.handleGetShare)
			r.Get("/keys", s.handleGetShareKeys)
			r.Get("/items", s.handleGetItems)
			r.Post("/items", s.handleCreateItem)
			r.Post("/items/trash", s.handleTrashItems)
			r.Post("/items/untrash", s.handleUntrashItems)
			r.Post("/items/delete", s.handleDeleteItems)
			r.Get("/items/{itemID}", s.handleGetItem)
			r.Put("/items/{itemID}", s.handleUpdateItem)
			r.Put("/items/{itemID}/lastuse", s.handleLastUse)
			r.Get("/events/latest", s.handleLatestEvent)
			r.Get("/events", s.handleGetEvents)
		})
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeAPIError(w, &remote.APIError{Status: http.StatusUnauthorized, Code: remote.CodeUnauthorized, Message: "missing bearer token"})
			return
		}
		userID, err := s.authenticate(token)
		if err != nil {
			writeAPIError(w, &remote.APIError{Status: http.StatusUnauthorized, Code: remote.CodeUnauthorized, Message: "invalid session"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKey{}).(string)
	return userID
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeAPIError(w, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "user_id required"})
		return
	}
	resp, err := s.Login(req.UserID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.logger.Info("session opened", slog.String("user_id", req.UserID), slog.String("session_id", resp.SessionID))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.GetShares(r.Context(), userFrom(r))
	respond(s, w, shares, err)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateShareRequest
	if !decode(w, r, &req) {
		return
	}
	share, err := s.CreateShare(r.Context(), userFrom(r), req)
	respond(s, w, share, err)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.GetShare(r.Context(), userFrom(r), chi.URLParam(r, "shareID"))
	respond(s, w, share, err)
}

func (s *Server) handleGetShareKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	resp, err := s.GetShareKeys(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), page, pageSize)
	respond(s, w, resp, err)
}

func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	resp, err := s.GetItems(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), r.URL.Query().Get("token"))
	respond(s, w, resp, err)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.GetItem(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), chi.URLParam(r, "itemID"))
	respond(s, w, item, err)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := s.CreateItem(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), req)
	respond(s, w, item, err)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req remote.UpdateItemRequest
	if !decode(w, r, &req) {
		return
	}
	req.ItemID = chi.URLParam(r, "itemID")
	item, err := s.UpdateItem(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), req)
	respond(s, w, item, err)
}

func (s *Server) handleTrashItems(w http.ResponseWriter, r *http.Request) {
	var req revisionsRequest
	if !decode(w, r, &req) {
		return
	}
	items, err := s.TrashItems(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), req.Items)
	respond(s, w, items, err)
}

func (s *Server) handleUntrashItems(w http.ResponseWriter, r *http.Request) {
	var req revisionsRequest
	if !decode(w, r, &req) {
		return
	}
	items, err := s.UntrashItems(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), req.Items)
	respond(s, w, items, err)
}

func (s *Server) handleDeleteItems(w http.ResponseWriter, r *http.Request) {
	var req revisionsRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.DeleteItems(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), req.Items)
	respond(s, w, map[string]int{"deleted": len(req.Items)}, err)
}

func (s *Server) handleLastUse(w http.ResponseWriter, r *http.Request) {
	var req lastUseRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := s.UpdateLastUseTime(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), chi.URLParam(r, "itemID"), req.LastUseTime)
	respond(s, w, item, err)
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	resp, err := s.GetLatestEventID(r.Context(), userFrom(r), chi.URLParam(r, "shareID"))
	respond(s, w, resp, err)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	resp, err := s.GetEvents(r.Context(), userFrom(r), chi.URLParam(r, "shareID"), r.URL.Query().Get("since"))
	respond(s, w, resp, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, &remote.APIError{Status: http.StatusBadRequest, Code: remote.CodeBadRequest, Message: "invalid request body"})
		return false
	}
	return true
}

func respond[T any](s *Server, w http.ResponseWriter, v T, err error) {
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) mapError(w http.ResponseWriter, err error) {
	if apiErr, ok := errors.AsType[*remote.APIError](err); ok {
		writeAPIError(w, apiErr)
		return
	}
	switch {
	case errors.Is(err, remote.ErrSessionInvalid):
		writeAPIError(w, &remote.APIError{Status: http.StatusUnauthorized, Code: remote.CodeUnauthorized, Message: "invalid session"})
	case errors.Is(err, remote.ErrUnavailable):
		writeAPIError(w, &remote.APIError{Status: http.StatusServiceUnavailable, Code: remote.CodeInternal, Message: "unavailable"})
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeAPIError(w, &remote.APIError{Status: http.StatusInternalServerError, Code: remote.CodeInternal, Message: err.Error()})
	}
}

func writeAPIError(w http.ResponseWriter, apiErr *remote.APIError) {
	writeJSON(w, apiErr.Status, errorResponse{Error: *apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
