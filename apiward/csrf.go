package apiward

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

// csrfManager mints and rotates the session's anti-forgery token.
//
// The token is defense-in-depth: the server performs the authoritative
// check, the client merely guarantees that every state-changing request
// carries a token with remaining lifetime.
type csrfManager struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time

	token    string
	issuedAt time.Time
}

func newCSRFManager(ttl time.Duration, clock func() time.Time) *csrfManager {
	return &csrfManager{ttl: ttl, clock: clock}
}

// mint generates a fresh 256-bit token and rotates state under lock.
func (m *csrfManager) mint() string {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// The platform CSPRNG failing is unrecoverable.
		panic("apiward: crypto/rand unavailable: " + err.Error())
	}

	token := base64.RawURLEncoding.EncodeToString(buf)

	m.mu.Lock()
	m.token = token
	m.issuedAt = m.clock()
	m.mu.Unlock()

	return token
}

// get returns the current token, transparently re-minting when the token is
// absent or its TTL has elapsed. It never fails: an attached token always
// has remaining lifetime.
func (m *csrfManager) get() string {
	m.mu.Lock()
	token := m.token
	fresh := token != "" && m.clock().Sub(m.issuedAt) < m.ttl
	m.mu.Unlock()

	if fresh {
		return token
	}
	return m.mint()
}

// attach sets the CSRF header for state-changing verbs only. GET and HEAD
// requests are left untouched.
func (m *csrfManager) attach(req *http.Request) {
	if !isStateChanging(req.Method) {
		return
	}
	req.Header.Set(CSRFHeaderName, m.get())
}

// reset drops the current token so the next get mints a new one. Called on
// logout so tokens never outlive the session that minted them.
func (m *csrfManager) reset() {
	m.mu.Lock()
	m.token = ""
	m.issuedAt = time.Time{}
	m.mu.Unlock()
}

// ValidateCSRFToken checks structural well-formedness of a CSRF token:
// base64url encoding and at least 256 bits of decoded material. It says
// nothing about whether the server will accept the token.
func ValidateCSRFToken(token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < csrfTokenBytes {
		return ErrInvalidCSRFToken
	}
	return nil
}

// isStateChanging reports whether the verb can mutate server state and thus
// requires CSRF protection.
func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
