package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/security"
)

type ctxKey struct{}

// Manager glues the cookie to the store: it resumes or creates sessions on
// the way in and offers Save/Destroy/CSRF helpers to handlers.
type Manager struct {
	store  Store
	signer *security.CookieSigner
	ttl    time.Duration
	secure bool
	logger zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, signer *security.CookieSigner, ttl time.Duration, secure bool, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		signer: signer,
		ttl:    ttl,
		secure: secure,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Middleware guarantees a session in the request context. A valid signed
// cookie resumes its session; anything else gets a fresh one. New sessions
// are only persisted once a handler mutates and saves them.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.resume(r)
		if s == nil {
			s = m.create(w)
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the request's session. The middleware guarantees it on
// every route it wraps; nil means the middleware is missing.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Persist saves the session when it changed since load. Handlers call it
// once, after all mutations for the request are done.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	if s == nil || !s.Dirty() {
		return nil
	}
	return m.store.Save(ctx, s)
}

// Save unconditionally writes the session.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	return m.store.Save(ctx, s)
}

// Destroy deletes the server-side state and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if s == nil {
		return nil
	}
	if err := m.store.Delete(ctx, s.ID); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	metrics.RecordSessionDestroyed()
	return nil
}

// CSRFToken returns the session's CSRF token, minting one if absent. The
// caller persists the session after rendering the form that embeds it.
func (m *Manager) CSRFToken(s *Session) (string, error) {
	if s.CSRFToken != "" {
		return s.CSRFToken, nil
	}
	tok, err := security.RandomToken(24)
	if err != nil {
		return "", err
	}
	s.CSRFToken = tok
	s.dirty = true
	return tok, nil
}

// ConsumeCSRF validates a submitted CSRF token against the session and clears
// it on success, making every token single-use. Mismatches are counted.
func (m *Manager) ConsumeCSRF(s *Session, provided string) bool {
	if s == nil || !security.TokensMatch(s.CSRFToken, provided) {
		metrics.RecordCSRFRejection()
		return false
	}
	s.CSRFToken = ""
	s.dirty = true
	return true
}

func (m *Manager) resume(r *http.Request) *Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	id, ok := m.signer.Verify(cookie.Value)
	if !ok {
		m.logger.Debug().Msg("session cookie failed signature check")
		return nil
	}
	s, err := m.store.Load(r.Context(), id)
	if err != nil {
		m.logger.Warn().Err(err).Msg("session load failed")
		return nil
	}
	return s
}

func (m *Manager) create(w http.ResponseWriter) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.signer.Sign(s.ID),
		Path:     "/",
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	metrics.RecordSessionCreated()
	return s
}
