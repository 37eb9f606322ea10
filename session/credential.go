// Package session caches the API session credentials of every signed-in
// account, one credential per (session, module), persisted encrypted with a
// key derived from the device-local key.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Module is an application module holding its own fork of a login session.
type Module string

const (
	ModulePass     Module = "pass"
	ModuleAutofill Module = "autofill"
)

// DefaultModules are the modules a session is forked into.
var DefaultModules = []Module{ModulePass, ModuleAutofill}

// Credential authorises API calls for one module of a session.
type Credential struct {
	UserID       string   `json:"user_id"`
	SessionID    string   `json:"session_id"`
	Module       Module   `json:"module"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitzero"`
	Scopes       []string `json:"scopes,omitzero"`
}

// ExpiresAt returns the exp claim of a JWT access token without verifying
// it. It is zero when the token is not a JWT or carries no expiry.
func (c Credential) ExpiresAt() time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Invalidation is published when a session is invalidated.
type Invalidation struct {
	SessionID string
	UserID    string
}
