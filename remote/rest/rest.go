// Package rest implements remote.Client over the vault server's HTTP JSON
// API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/keysync/remote"
)

// TokenSource returns the bearer token authorising calls for a user.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context, userID string) (string, error)

func (f TokenFunc) Token(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// Client is an HTTP implementation of remote.Client.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a Client for the server at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Reachable reports whether the server answers its health probe.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health", nil), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Login opens a development session for userID.
func (c *Client) Login(ctx context.Context, userID string) (remote.LoginResponse, error) {
	var out remote.LoginResponse
	err := c.do(ctx, "", http.MethodPost, "/auth/login", nil, map[string]string{"user_id": userID}, &out)
	return out, err
}

func (c *Client) GetShares(ctx context.Context, userID string) ([]remote.Share, error) {
	var out []remote.Share
	err := c.do(ctx, userID, http.MethodGet, "/shares", nil, nil, &out)
	return out, err
}

func (c *Client) GetShare(ctx context.Context, userID, shareID string) (remote.Share, error) {
	var out remote.Share
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, ""), nil, nil, &out)
	return out, err
}

func (c *Client) CreateShare(ctx context.Context, userID string, req remote.CreateShareRequest) (remote.Share, error) {
	var out remote.Share
	err := c.do(ctx, userID, http.MethodPost, "/shares", nil, req, &out)
	return out, err
}

func (c *Client) GetShareKeys(ctx context.Context, userID, shareID string, page, pageSize int) (remote.ShareKeysPage, error) {
	var out remote.ShareKeysPage
	q := url.Values{"page": {strconv.Itoa(page)}, "page_size": {strconv.Itoa(pageSize)}}
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, "/keys"), q, nil, &out)
	return out, err
}

func (c *Client) GetItems(ctx context.Context, userID, shareID, token string) (remote.ItemsPage, error) {
	var out remote.ItemsPage
	var q url.Values
	if token != "" {
		q = url.Values{"token": {token}}
	}
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, "/items"), q, nil, &out)
	return out, err
}

func (c *Client) GetItem(ctx context.Context, userID, shareID, itemID string) (remote.Item, error) {
	var out remote.Item
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, "/items/"+url.PathEscape(itemID)), nil, nil, &out)
	return out, err
}

func (c *Client) CreateItem(ctx context.Context, userID, shareID string, req remote.CreateItemRequest) (remote.Item, error) {
	var out remote.Item
	err := c.do(ctx, userID, http.MethodPost, sharePath(shareID, "/items"), nil, req, &out)
	return out, err
}

func (c *Client) UpdateItem(ctx context.Context, userID, shareID string, req remote.UpdateItemRequest) (remote.Item, error) {
	var out remote.Item
	err := c.do(ctx, userID, http.MethodPut, sharePath(shareID, "/items/"+url.PathEscape(req.ItemID)), nil, req, &out)
	return out, err
}

func (c *Client) TrashItems(ctx context.Context, userID, shareID string, items []remote.ItemRevision) ([]remote.Item, error) {
	var out []remote.Item
	err := c.do(ctx, userID, http.MethodPost, sharePath(shareID, "/items/trash"), nil, revisions{items}, &out)
	return out, err
}

func (c *Client) UntrashItems(ctx context.Context, userID, shareID string, items []remote.ItemRevision) ([]remote.Item, error) {
	var out []remote.Item
	err := c.do(ctx, userID, http.MethodPost, sharePath(shareID, "/items/untrash"), nil, revisions{items}, &out)
	return out, err
}

func (c *Client) DeleteItems(ctx context.Context, userID, shareID string, items []remote.ItemRevision) error {
	return c.do(ctx, userID, http.MethodPost, sharePath(shareID, "/items/delete"), nil, revisions{items}, nil)
}

func (c *Client) UpdateLastUseTime(ctx context.Context, userID, shareID, itemID string, at time.Time) (remote.Item, error) {
	var out remote.Item
	body := map[string]time.Time{"last_use_time": at}
	err := c.do(ctx, userID, http.MethodPut, sharePath(shareID, "/items/"+url.PathEscape(itemID)+"/lastuse"), nil, body, &out)
	return out, err
}

func (c *Client) GetLatestEventID(ctx context.Context, userID, shareID string) (remote.LatestEvent, error) {
	var out remote.LatestEvent
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, "/events/latest"), nil, nil, &out)
	return out, err
}

func (c *Client) GetEvents(ctx context.Context, userID, shareID, sinceEventID string) (remote.EventsPage, error) {
	var out remote.EventsPage
	var q url.Values
	if sinceEventID != "" {
		q = url.Values{"since": {sinceEventID}}
	}
	err := c.do(ctx, userID, http.MethodGet, sharePath(shareID, "/events"), q, nil, &out)
	return out, err
}

type revisions struct {
	Items []remote.ItemRevision `json:"items"`
}

func sharePath(shareID, suffix string) string {
	return "/shares/" + url.PathEscape(shareID) + suffix
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do performs one JSON round trip. An empty userID sends no token.
func (c *Client) do(ctx context.Context, userID, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := c.tokens.Token(ctx, userID)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.decodeError(method, path, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, remote.ErrSessionInvalid)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout {
		return fmt.Errorf("%s %s: %w: status %d", method, path, remote.ErrUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Error remote.APIError `json:"error"`
	}
	apiErr := &remote.APIError{Status: resp.StatusCode, Code: remote.CodeInternal, Message: resp.Status}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
		apiErr = &envelope.Error
		apiErr.Status = resp.StatusCode
	}
	c.logger.Debug("api error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", apiErr.Status),
		slog.String("code", apiErr.Code),
	)
	return fmt.Errorf("%s %s: %w", method, path, apiErr)
}

