// Package ratelimit tracks the upstream API's request quota and delays
// callers when it is exhausted. Local accounting is optimistic: each request
// decrements the remaining count before it is sent, and the X-RateLimit-*
// headers on every response overwrite the local view with the server's.
package ratelimit

import (
	"time"
)

// Quota headers sent by the upstream API on every response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	// HeaderReset carries milliseconds until the quota window resets.
	HeaderReset = "X-RateLimit-Reset"
)

// Conservative defaults used until the first response headers are seen.
const (
	DefaultLimit  = 6
	DefaultWindow = 30 * time.Second
)

// QuotaState is the last known state of the remote quota window.
type QuotaState struct {
	// Limit is the number of requests allowed per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets. Zero means unknown.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when server headers last updated the state.
	LastUpdate time.Time `json:"last_update"`
}

// DefaultQuotaState returns the state assumed before any headers are seen.
func DefaultQuotaState() QuotaState {
	return QuotaState{
		Limit:     DefaultLimit,
		Remaining: DefaultLimit,
	}
}

// Exhausted reports whether no requests remain in the window.
func (s QuotaState) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the duration until ResetAt, or 0 if it is unknown or
// has passed.
func (s QuotaState) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// resetIfDue refills Remaining once ResetAt has passed and clears ResetAt.
func (s *QuotaState) resetIfDue(now time.Time) bool {
	if s.ResetAt.IsZero() || now.Before(s.ResetAt) {
		return false
	}
	s.Remaining = s.Limit
	s.ResetAt = time.Time{}
	return true
}
