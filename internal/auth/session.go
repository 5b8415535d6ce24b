// Package auth issues and verifies session tokens. Tokens are HS256
// JWTs: opaque to the client, resolved server-side to a username by
// signature verification.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSession = errors.New("invalid session token")

// Claims carries the session's subject username.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Sessions issues and verifies session tokens.
type Sessions struct {
	secret  []byte
	timeout time.Duration
}

// NewSessions creates a session manager. timeout bounds token lifetime.
func NewSessions(secret string, timeout time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), timeout: timeout}
}

// Issue returns a signed session token for username.
func (s *Sessions) Issue(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.timeout)),
		},
		Username: username,
	})
	return token.SignedString(s.secret)
}

// Verify resolves a session token to its username.
func (s *Sessions) Verify(tokenString string) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.Username == "" {
		return "", ErrInvalidSession
	}

	return claims.Username, nil
}
