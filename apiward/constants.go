package apiward

import "time"

const (
	// AuthorizationHeader carries the bearer access token on every
	// authenticated outbound request.
	AuthorizationHeader = "Authorization"

	// CSRFHeaderName is the HTTP header used to forward the anti-forgery
	// token on state-changing requests (POST, PUT, PATCH, DELETE).
	CSRFHeaderName = "X-CSRF-Token"

	// RequestIDHeader carries the per-request correlation id (UUID).
	//
	// The same value is attached to every retry and replay of a request so
	// server-side traces can tie the attempts together.
	RequestIDHeader = "X-Request-Id"

	// APIVersionHeader advertises the client's expected API version.
	APIVersionHeader = "X-API-Version"

	// RefreshPath is the path of the token refresh endpoint, relative to
	// the configured API base URL.
	RefreshPath = "/auth/refresh"

	// tokenStorageKey is the key under which the serialized token pair is
	// persisted in the injected Storage.
	tokenStorageKey = "apiward_tokens"

	// defaultCSRFTTL is the lifetime of a minted CSRF token when the
	// configuration does not override it.
	defaultCSRFTTL = time.Hour

	// csrfTokenBytes is the entropy of a minted CSRF token. 32 bytes gives
	// a 256-bit value before base64url encoding.
	csrfTokenBytes = 32

	// clockSkew is the leeway applied when comparing access-token expiry
	// against the local clock. It accounts for small differences between
	// the API server's clock and the client host's clock.
	clockSkew = 30 * time.Second
)

// Default retry policy for transient failures (connection errors, 5xx, 429).
const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMult      = 2.0
)

// Default global rate window applied to endpoint keys without an explicit
// rule.
const (
	defaultRateLimit  = 60
	defaultRateWindow = time.Minute
)
