package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/token"
)

// ErrNotFound matches an APIError for a 404 response.
var ErrNotFound = errors.New("resource not found")

// AuthError is returned when the token exchange fails or the API rejects a
// freshly issued token.
type AuthError = token.AuthError

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 401 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus maps a response status to its error class. 2xx and 3xx
// statuses have no class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// APIError is a non-2xx response that is not retried.
type APIError struct {
	StatusCode int
	Route      string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api %s error (status %d) on %s: %s",
		classifyStatus(e.StatusCode), e.StatusCode, e.Route, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// RateLimitError is returned when 429 responses outlast the retry budget.
type RateLimitError struct {
	// RetryAfter is the server's reset delay from the last response, or zero
	// if it did not send one.
	RetryAfter time.Duration
	Attempts   int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited after %d attempts, retry after %v", e.Attempts, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited after %d attempts", e.Attempts)
}

// TransportError is returned when the request could not be completed at the
// network level within the retry budget.
type TransportError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryLater reports whether err is transient: rate limiting, network
// failure, a 5xx response, or a token exchange that never reached the server.
func IsRetryLater(err error) bool {
	var rle *RateLimitError
	var te *TransportError
	var ae *APIError
	var auth *AuthError
	switch {
	case errors.As(err, &rle), errors.As(err, &te):
		return true
	case errors.As(err, &ae):
		return ae.StatusCode >= 500
	case errors.As(err, &auth):
		return auth.StatusCode == 0 || auth.StatusCode >= 500
	}
	return false
}

// IsConfigError reports whether err can only be fixed by changing
// configuration, such as missing or rejected credentials.
func IsConfigError(err error) bool {
	if errors.Is(err, token.ErrMissingCredentials) {
		return true
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return auth.StatusCode >= 400 && auth.StatusCode < 500
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusForbidden
	}
	return false
}
