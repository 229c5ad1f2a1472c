package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"oauth2gate/store"
)

const sessionCookieName = "oauth2_sid"

// SessionManager hands out the opaque visitor handle that scopes pending authorization state.
type SessionManager struct {
	store        store.Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, st store.Store, logger *slog.Logger) *SessionManager {
	ttl := cfg.SessionStore.TTL
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	return &SessionManager{
		store:        st,
		logger:       logger,
		ttl:          ttl,
		secure:       cfg.cookieSecure(),
		cookieDomain: cfg.Cookie.Domain,
	}
}

// Fetch returns the session scoped to the request handle, or nil when the request has none.
// Unknown handles are not rejected: they simply hold no values.
func (sm *SessionManager) Fetch(r *http.Request) *store.Scoped {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return store.Scope(sm.store, cookie.Value)
}

// Ensure returns the request session, creating a handle and setting its cookie when absent.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (*store.Scoped, error) {
	if sess := sm.Fetch(r); sess != nil {
		return sess, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session handle: %w", err)
	}
	handle := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    handle,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return store.Scope(sm.store, handle), nil
}

// Clear drops all values for the request handle and expires its cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if sess := sm.Fetch(r); sess != nil {
		if err := sm.store.DeleteAll(r.Context(), sess.Handle()); err != nil {
			sm.logger.Warn("clear session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
