package apiward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Do runs one request through the full pipeline:
//
//  1. sliding-window admission for the request's endpoint class — a
//     disallowed check aborts before any network traffic;
//  2. payload sanitization and one-time body encoding;
//  3. CSRF and bearer token attachment at dispatch time;
//  4. dispatch with retry/backoff for transient failures, single-flight
//     token refresh on 401, and coalescing of identical in-flight GETs.
//
// Terminal failures surface as structured errors (*RateLimitError,
// *APIError, *TransientError, ErrAuthExpired); raw transport errors never
// escape.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" || req.Path == "" {
		return nil, errors.New("apiward: request method and path are required")
	}

	cl, err := c.buildCall(ctx, req)
	if err != nil {
		return nil, err
	}

	endpointKey := req.EndpointKey
	if endpointKey == "" {
		endpointKey = req.Path
	}

	if dec := c.limiter.check(endpointKey); !dec.allowed {
		ra := retryAfter(c.clock(), dec.resetAt)
		c.logger.Warn("rate limit exceeded",
			zap.String("endpoint", endpointKey),
			zap.String("request_id", cl.requestID),
			zap.Duration("retry_after", ra),
		)
		return nil, &RateLimitError{
			EndpointKey: endpointKey,
			Remaining:   0,
			ResetAt:     dec.resetAt,
			RetryAfter:  ra,
		}
	}

	if cl.method == http.MethodGet {
		return c.coalesced(ctx, cl)
	}
	return c.execute(ctx, cl)
}

// coalesced funnels identical concurrent GETs (same method+URL+query) into
// one network call; later callers subscribe to the first call's pending
// result. The shared execution is detached from the first caller's context
// so one subscriber canceling does not fail the rest.
func (c *Client) coalesced(ctx context.Context, cl *call) (*Response, error) {
	key := cl.method + " " + cl.urlStr

	ch := c.getGroup.DoChan(key, func() (any, error) {
		return c.execute(context.WithoutCancel(ctx), cl)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("coalesced duplicate GET", zap.String("url", cl.urlStr))
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRequestWithdrawn, ctx.Err())
	}
}

// execute is the retry loop around single dispatches.
func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	// Proactive expiry check: when the access token is already known to be
	// expired locally, go straight to the refresh coordinator instead of
	// burning a round trip on a guaranteed 401.
	if _, ok := c.tokens.current(); ok && c.tokens.accessExpired() {
		return c.refresher.resolve(ctx, cl)
	}

	var (
		lastStatus int
		lastErr    error
		attempts   int
	)

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		attempts = attempt

		resp, err := c.dispatchOnce(ctx, cl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrRequestWithdrawn, ctx.Err())
			}
			lastStatus, lastErr = 0, err
			// A connection-level failure means the request died before
			// the server could have processed it, so POST is safe to
			// retry alongside the idempotent verbs.
			if !isIdempotent(cl.method) && cl.method != http.MethodPost {
				break
			}
		} else {
			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				return c.refresher.resolve(ctx, cl)

			case resp.StatusCode < http.StatusBadRequest:
				return resp, nil

			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
				lastStatus, lastErr = resp.StatusCode, nil
				// The server may already have processed a non-idempotent
				// request that drew a 5xx/429; never re-send those.
				if !isIdempotent(cl.method) {
					attempt = c.retry.MaxAttempts
				}

			default:
				return nil, &APIError{
					StatusCode: resp.StatusCode,
					RequestID:  cl.requestID,
					Method:     cl.method,
					Path:       cl.path,
					Body:       resp.Body,
				}
			}
		}

		if attempt >= c.retry.MaxAttempts {
			break
		}

		delay := c.backoffDelay(attempt)
		c.logger.Debug("retrying after transient failure",
			zap.String("request_id", cl.requestID),
			zap.Int("attempt", attempt),
			zap.Int("status", lastStatus),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRequestWithdrawn, ctx.Err())
		}
	}

	c.logger.Warn("request failed after retries",
		zap.String("request_id", cl.requestID),
		zap.Int("attempts", attempts),
		zap.Int("status", lastStatus),
		zap.Error(lastErr),
	)
	return nil, &TransientError{
		StatusCode: lastStatus,
		RequestID:  cl.requestID,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

// replayOnce re-dispatches a call exactly once after a successful refresh.
// A second 401 in the same cycle is terminal: the session is torn down and
// ErrAuthExpired surfaces instead of another refresh, which would loop
// forever against a server that keeps rejecting fresh tokens.
func (c *Client) replayOnce(ctx context.Context, cl *call) (*Response, error) {
	resp, err := c.dispatchOnce(ctx, cl)
	if err != nil {
		return nil, &TransientError{RequestID: cl.requestID, Attempts: 1, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.clear(context.WithoutCancel(ctx))
		return nil, ErrAuthExpired

	case resp.StatusCode < http.StatusBadRequest:
		return resp, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &TransientError{StatusCode: resp.StatusCode, RequestID: cl.requestID, Attempts: 1}

	default:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  cl.requestID,
			Method:     cl.method,
			Path:       cl.path,
			Body:       resp.Body,
		}
	}
}

// dispatchOnce builds and sends one HTTP request. Token and CSRF headers
// are resolved at dispatch time so retries and replays always carry current
// values.
func (c *Client) dispatchOnce(ctx context.Context, cl *call) (*Response, error) {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, cl.urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("apiward: build request: %w", err)
	}

	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, cl.requestID)
	if c.apiVersion != "" {
		req.Header.Set(APIVersionHeader, c.apiVersion)
	}

	c.csrf.attach(req)
	if pair, ok := c.tokens.current(); ok {
		req.Header.Set(AuthorizationHeader, "Bearer "+pair.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
		RequestID:  cl.requestID,
	}, nil
}

// callRefreshEndpoint performs the one refresh call of a refresh cycle.
func (c *Client) callRefreshEndpoint(ctx context.Context) (TokenPair, error) {
	pair, ok := c.tokens.current()
	if !ok || pair.RefreshToken == "" {
		return TokenPair{}, ErrNotAuthenticated
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("apiward: encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return TokenPair{}, fmt.Errorf("apiward: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.apiVersion != "" {
		req.Header.Set(APIVersionHeader, c.apiVersion)
	}
	c.csrf.attach(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("apiward: refresh call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, fmt.Errorf("apiward: refresh rejected with status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenPair{}, fmt.Errorf("apiward: decode refresh response: %w", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return TokenPair{}, errors.New("apiward: refresh response missing tokens")
	}

	next := TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
	}
	if out.ExpiresIn > 0 {
		next.ExpiresAt = c.clock().Add(time.Duration(out.ExpiresIn) * time.Second)
	} else if exp, ok := accessTokenExpiry(out.AccessToken); ok {
		next.ExpiresAt = exp
	}

	return next, nil
}

// buildCall sanitizes and encodes the body once so retries and replays send
// identical bytes under one correlation id.
func (c *Client) buildCall(ctx context.Context, req *Request) (*call, error) {
	urlStr := c.baseURL + req.Path
	if len(req.Query) > 0 {
		urlStr += "?" + req.Query.Encode()
	}

	cl := &call{
		method:    req.Method,
		urlStr:    urlStr,
		path:      req.Path,
		header:    req.Header.Clone(),
		requestID: requestID(ctx),
	}

	if req.Body != nil {
		tree, err := toValueTree(req.Body)
		if err != nil {
			return nil, fmt.Errorf("apiward: encode request body: %w", err)
		}
		raw, err := json.Marshal(c.sanitizer.sanitize(tree))
		if err != nil {
			return nil, fmt.Errorf("apiward: encode request body: %w", err)
		}
		cl.body = raw
	}

	return cl, nil
}

// toValueTree reduces an arbitrary body to its JSON value tree
// (map/slice/string/number/bool/nil) so the sanitizer can walk it without
// reflection over caller types.
func toValueTree(body any) (any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := float64(c.retry.BaseDelay())
	delay := time.Duration(base * math.Pow(c.retry.Multiplier, float64(attempt-1)))
	jitter := rand.N(delay/4 + 1)
	return delay + jitter
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
