// Package apiward is a hardened outbound request pipeline for API clients.
//
// Every call issued through a [Client] passes the same gauntlet: sliding-
// window rate admission, CSRF token attachment for state-changing verbs,
// payload sanitization, bearer token attachment, and a dispatch loop with
// retry/backoff, single-flight token refresh, and duplicate-GET coalescing.
//
// The pipeline is defense-in-depth. It keeps a well-behaved client from
// sending unsafe or doomed traffic; it never replaces server-side
// enforcement of rate limits, CSRF checks, or input validation.
package apiward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Option configures a Client at construction time.
//
// Options cover transport-level and host-environment concerns (HTTP client,
// logging, storage backend, clock) without changing pipeline semantics.
type Option func(*Client)

// WithHTTPClient configures the Client to use a custom http.Client.
//
// This is useful for setting timeouts, proxies, tracing, or test transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger attaches a structured logger. Without it the pipeline is
// silent.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithStorage injects the session-scoped storage backing token persistence.
// Defaults to in-process memory.
func WithStorage(s Storage) Option {
	return func(c *Client) {
		c.storage = s
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// Request describes one outbound API call.
type Request struct {
	// Method is the HTTP verb. Required.
	Method string

	// Path is the endpoint path relative to the configured base URL,
	// e.g. "/v1/posts".
	Path string

	// Query is appended to the URL. Optional.
	Query url.Values

	// Body is the JSON payload for state-changing calls. It is sanitized
	// field by field before encoding. Optional.
	Body any

	// EndpointKey selects the rate-limit class. When empty, the path is
	// used as the key.
	EndpointKey string

	// Header holds extra headers to send verbatim. Optional.
	Header http.Header
}

// Response is the outcome of a successfully dispatched call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// RequestID is the correlation id the call carried, useful for
	// matching client results against server-side traces.
	RequestID string
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("apiward: decode response: %w", err)
	}
	return nil
}

// call is the internal descriptor of one pipeline traversal. The sanitized
// body is encoded once so every retry and replay sends identical bytes under
// the same correlation id.
type call struct {
	method    string
	urlStr    string
	path      string
	body      []byte
	header    http.Header
	requestID string
}

// Client is the root of the outbound request pipeline.
//
// A Client is a session-scoped singleton: it owns the token pair, the CSRF
// token, and the rate windows for one logical session. It is safe for
// concurrent use after New.
type Client struct {
	baseURL    string
	apiVersion string
	retry      RetryPolicy

	httpClient *http.Client
	logger     *zap.Logger
	storage    Storage
	clock      func() time.Time

	tokens    *tokenStore
	csrf      *csrfManager
	limiter   *rateLimiter
	sanitizer *sanitizer
	refresher *refreshCoordinator

	getGroup singleflight.Group
}

// New creates a Client from a validated Config.
//
// Construction restores any token pair previously persisted in the injected
// Storage, so a session survives client re-construction.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:    cfg.normalizedBaseURL(),
		apiVersion: cfg.APIVersion,
		retry:      cfg.Retry,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		clock:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}

	c.tokens = newTokenStore(c.storage, c.clock)
	c.csrf = newCSRFManager(time.Duration(cfg.CSRFTTLSeconds)*time.Second, c.clock)
	c.limiter = newRateLimiter(cfg.RateLimits, c.clock)
	c.sanitizer = newSanitizer(cfg.SanitizeRules, c.logger)
	c.refresher = &refreshCoordinator{
		refresh:   c.callRefreshEndpoint,
		onSuccess: c.tokens.replace,
		onFailure: c.tokens.clear,
		replay:    c.replayOnce,
		logger:    c.logger,
	}

	if err := c.tokens.load(context.Background()); err != nil {
		return nil, fmt.Errorf("apiward: restore session: %w", err)
	}

	return c, nil
}

// Authenticate seeds the session with a token pair obtained from a login
// flow. When the pair carries no expiry, it is derived from the access
// token's "exp" claim where possible.
func (c *Client) Authenticate(ctx context.Context, pair TokenPair) error {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return errors.New("apiward: token pair is incomplete")
	}
	if pair.ExpiresAt.IsZero() {
		if exp, ok := accessTokenExpiry(pair.AccessToken); ok {
			pair.ExpiresAt = exp
		}
	}
	return c.tokens.replace(ctx, pair)
}

// Logout tears the session down: the token pair is destroyed in memory and
// in Storage, and the CSRF token is dropped so it cannot outlive the
// session.
func (c *Client) Logout(ctx context.Context) {
	c.tokens.clear(ctx)
	c.csrf.reset()
}

// Token returns the current token pair. ok is false when the session is
// unauthenticated.
func (c *Client) Token() (TokenPair, bool) {
	return c.tokens.current()
}

// CSRFToken returns the current anti-forgery token, minting one if needed.
// Useful for embedding in server-rendered forms.
func (c *Client) CSRFToken() string {
	return c.csrf.get()
}

// Get issues a GET through the pipeline and decodes the JSON response into
// out when out is non-nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, &Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post issues a POST through the pipeline and decodes the JSON response into
// out when out is non-nil.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, &Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put issues a PUT through the pipeline and decodes the JSON response into
// out when out is non-nil.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, &Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Patch issues a PATCH through the pipeline and decodes the JSON response
// into out when out is non-nil.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete issues a DELETE through the pipeline.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, &Request{Method: http.MethodDelete, Path: path}, nil)
}

func (c *Client) doJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		return resp.Decode(out)
	}
	return nil
}
