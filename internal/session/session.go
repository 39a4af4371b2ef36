// Package session implements the shared browser session: a signed cookie
// holding an opaque session id, and a Redis-backed store holding the
// server-side state keyed by that id.
//
// Purpose:
//   Every auth method mounted by the server keeps its in-flight authorize
//   state (AuthRequest, AuthResponse, registration nonce, grant data) inside
//   the caller's session, namespaced by auth method id. The session also owns
//   the single-use CSRF token and the last redirect URI for the failure page.
//
// Dependencies:
//   - github.com/redis/go-redis/v9: session persistence
//   - github.com/google/uuid: session id generation
//   - internal/security: cookie signing, CSRF token generation
//
// Thread Safety:
//   - A *Session is request-scoped; concurrent mutation is not supported.
//     Cross-request writes are last-writer-wins (the cookie round-trip
//     serializes per browser).
//
// Error Handling:
//   - Store misses return (nil, nil); corrupt payloads surface as errors.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// CookieName is the session cookie written by the middleware.
const CookieName = "portal-auth.cookie.sid"

// Session is the server-side state for one browser.
type Session struct {
	ID string `json:"id"`
	// CSRFToken is single-use: consumed on every state-mutating POST and
	// regenerated when the next form renders.
	CSRFToken string `json:"csrf_token,omitempty"`
	// RedirectURI remembers the last client redirect target so the failure
	// page can offer a way back.
	RedirectURI string `json:"redirect_uri,omitempty"`
	// Methods holds per-auth-method state, serialized opaquely so this
	// package stays independent of the flow types.
	Methods   map[string]json.RawMessage `json:"methods,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`

	dirty bool
}

// MethodState decodes the state stored for one auth method into v.
// Returns false when no state exists for the method.
func (s *Session) MethodState(authMethodID string, v any) (bool, error) {
	raw, ok := s.Methods[authMethodID]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("session: decode state for %q: %w", authMethodID, err)
	}
	return true, nil
}

// SetMethodState stores per-auth-method state, replacing what was there.
func (s *Session) SetMethodState(authMethodID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode state for %q: %w", authMethodID, err)
	}
	if s.Methods == nil {
		s.Methods = make(map[string]json.RawMessage, 1)
	}
	s.Methods[authMethodID] = raw
	s.dirty = true
	return nil
}

// ClearMethodState drops the state stored for one auth method.
func (s *Session) ClearMethodState(authMethodID string) {
	if _, ok := s.Methods[authMethodID]; ok {
		delete(s.Methods, authMethodID)
		s.dirty = true
	}
}

// SetRedirectURI remembers the last known client redirect target.
func (s *Session) SetRedirectURI(uri string) {
	if s.RedirectURI != uri {
		s.RedirectURI = uri
		s.dirty = true
	}
}

// Dirty reports whether the session changed since it was loaded.
func (s *Session) Dirty() bool {
	return s.dirty
}

// markClean is called by the store after a successful save.
func (s *Session) markClean() {
	s.dirty = false
}
