package memserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid token")

// claims carries the session of an access token. Subject is the user ID.
type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

func (s *Server) issueToken(userID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	})
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// authenticate validates an access token and returns its user ID. Tokens of
// revoked sessions are rejected.
func (s *Server) authenticate(tokenString string) (string, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (any, error) {
		return s.tokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid {
		return "", errInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.SessionID]
	if !ok || sess.revoked || sess.userID != c.Subject {
		return "", errInvalidToken
	}
	return c.Subject, nil
}
