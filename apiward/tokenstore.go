package apiward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the access/refresh token pair issued at login and rotated on
// every refresh.
//
// ExpiresAt is the absolute expiry of the access token. When the issuing
// endpoint reports only a relative lifetime, the pipeline fills it in; when
// it reports nothing at all, expiry is derived from the access token's "exp"
// claim where possible.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// tokenStore is the exclusive owner of the current token pair.
//
// The pair is mirrored into the injected Storage as a single serialized blob
// so a session survives client re-construction. Only the refresh coordinator
// and the explicit Authenticate/Logout lifecycle write to it.
type tokenStore struct {
	mu      sync.RWMutex
	storage Storage
	clock   func() time.Time

	pair TokenPair
	set  bool
}

func newTokenStore(storage Storage, clock func() time.Time) *tokenStore {
	return &tokenStore{storage: storage, clock: clock}
}

// load restores a previously persisted pair, if any. A missing or corrupt
// blob leaves the store empty; corruption is not an error worth failing
// construction over, the session simply starts unauthenticated.
func (s *tokenStore) load(ctx context.Context) error {
	raw, err := s.storage.Get(ctx, tokenStorageKey)
	if err != nil {
		if errors.Is(err, ErrStorageMiss) {
			return nil
		}
		return err
	}

	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil || pair.AccessToken == "" {
		_ = s.storage.Remove(ctx, tokenStorageKey)
		return nil
	}

	s.mu.Lock()
	s.pair = pair
	s.set = true
	s.mu.Unlock()
	return nil
}

// replace atomically swaps in a new pair and writes it through to Storage.
func (s *tokenStore) replace(ctx context.Context, pair TokenPair) error {
	blob, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("apiward: encode token pair: %w", err)
	}

	s.mu.Lock()
	s.pair = pair
	s.set = true
	s.mu.Unlock()

	if err := s.storage.Set(ctx, tokenStorageKey, string(blob)); err != nil {
		return fmt.Errorf("apiward: persist token pair: %w", err)
	}
	return nil
}

// clear destroys the pair in memory and in Storage.
func (s *tokenStore) clear(ctx context.Context) {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.set = false
	s.mu.Unlock()

	_ = s.storage.Remove(ctx, tokenStorageKey)
}

// current returns the stored pair. ok is false when the session is
// unauthenticated.
func (s *tokenStore) current() (TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.set
}

// accessExpired reports whether the stored access token should be treated as
// expired, applying clock skew leeway. An unauthenticated store is not
// "expired"; callers check that separately.
func (s *tokenStore) accessExpired() bool {
	s.mu.RLock()
	pair, set := s.pair, s.set
	s.mu.RUnlock()

	if !set {
		return false
	}

	exp := pair.ExpiresAt
	if exp.IsZero() {
		derived, ok := accessTokenExpiry(pair.AccessToken)
		if !ok {
			// Opaque token with no expiry metadata: trust it until the
			// server says otherwise with a 401.
			return false
		}
		exp = derived
	}

	return s.clock().Add(clockSkew).After(exp)
}

// accessTokenExpiry extracts the "exp" claim from a JWT-shaped access token
// without verifying its signature. The client holds no signing keys; the
// server remains the authority on token validity. This is only used to skip
// a doomed round trip when expiry is already known locally.
func accessTokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()

	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
