package apiward

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthExpired is returned when the session cannot be kept alive: the
	// refresh endpoint rejected the refresh token, or a request replayed
	// with a freshly refreshed access token was still rejected. The token
	// store is cleared and the caller must re-authenticate.
	ErrAuthExpired = errors.New("apiward: authentication expired")

	// ErrNotAuthenticated is returned by operations that require a seeded
	// token pair when none is present.
	ErrNotAuthenticated = errors.New("apiward: not authenticated")

	// ErrRetriesExhausted wraps the last transient failure after the retry
	// budget has been spent.
	ErrRetriesExhausted = errors.New("apiward: retries exhausted")

	// ErrInvalidCSRFToken is returned by Validate for structurally
	// malformed tokens. Authoritative validation is server-side.
	ErrInvalidCSRFToken = errors.New("apiward: invalid csrf token")

	// ErrRequestWithdrawn is returned when a request's context is canceled
	// while it is parked (queued behind a refresh, waiting out a backoff
	// delay, or subscribed to a coalesced in-flight call).
	ErrRequestWithdrawn = errors.New("apiward: request withdrawn")
)

// RateLimitError reports a client-side rate-limit rejection. The request was
// aborted before any network traffic.
type RateLimitError struct {
	EndpointKey string
	Remaining   int
	ResetAt     time.Time
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("apiward: rate limit exceeded for %q, retry after %s",
		e.EndpointKey, e.RetryAfter)
}

// TransientError reports a request that kept failing transiently
// (connection errors, 5xx, 429) until the retry budget ran out, or that hit
// a transient failure its verb was not allowed to retry.
type TransientError struct {
	StatusCode int // 0 when the transport never produced a response
	RequestID  string
	Attempts   int
	Err        error // last underlying failure, nil for status-only failures
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apiward: transient failure after %d attempt(s) (request %s): %v",
			e.Attempts, e.RequestID, e.Err)
	}
	return fmt.Sprintf("apiward: transient failure after %d attempt(s) with status %d (request %s)",
		e.Attempts, e.StatusCode, e.RequestID)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is lets callers classify with errors.Is(err, ErrRetriesExhausted).
func (e *TransientError) Is(target error) bool { return target == ErrRetriesExhausted }

// APIError is a non-retryable server rejection (4xx other than 401/429). It
// carries the diagnostic metadata of the failed call; the response body is
// preserved so callers can decode a structured error payload.
type APIError struct {
	StatusCode int
	RequestID  string
	Method     string
	Path       string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiward: %s %s failed with status %d (request %s)",
		e.Method, e.Path, e.StatusCode, e.RequestID)
}
