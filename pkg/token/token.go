// Package token obtains and caches the bearer credential used for every
// authenticated API call. Concurrent refreshes of the same credential collapse
// into one outstanding token request.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrMissingCredentials is returned when the client id or secret is empty.
var ErrMissingCredentials = errors.New("client id and client secret are required")

// Credential is the process-wide client credential pair.
type Credential struct {
	ClientID     string
	ClientSecret string
}

// Valid reports whether both halves of the pair are set.
func (c Credential) Valid() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Key derives a stable cache key for the pair without exposing the secret.
func (c Credential) Key() string {
	sum := sha256.Sum256([]byte(c.ClientID + "\x00" + c.ClientSecret))
	return hex.EncodeToString(sum[:16])
}

// Token is a bearer credential and its expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token is usable at now, treating it as expired
// skew early.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-skew))
}

// AuthError reports a failed token exchange or a rejected bearer token.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("auth error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("auth error: %s: %v", e.Message, e.Err)
	default:
		return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}
