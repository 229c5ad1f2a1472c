// Package client guards downstream handlers with the credential cookie issued by the gateway.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"oauth2gate/flow"
)

// ErrUnauthenticated is returned when a request carries no usable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// UserLookup loads the local user named by a credential.
type UserLookup interface {
	UserByID(ctx context.Context, id string) (flow.User, error)
}

// SessionLookup loads the local session named by a credential.
type SessionLookup interface {
	SessionByID(ctx context.Context, id string) (flow.UserSession, error)
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Issuer     *flow.CookieIssuer
	CookieName string
	Users      UserLookup
	Sessions   SessionLookup
	Now        func() time.Time
}

// Guard verifies credential cookies and resolves the caller identity.
type Guard struct {
	cfg GuardConfig
}

// Identity is the authenticated caller.
type Identity struct {
	User       flow.User
	Session    flow.UserSession
	Credential *flow.Credential
	Scopes     []string
}

// NewGuard creates a guard with sane defaults.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("cookie issuer required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = flow.DefaultCookieName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{cfg: cfg}, nil
}

// Authenticate reads the credential from the cookie, or from a Bearer header for
// non-browser callers, and resolves it against the local records.
func (g *Guard) Authenticate(r *http.Request) (*Identity, error) {
	raw := ""
	if c, err := r.Cookie(g.cfg.CookieName); err == nil {
		raw = c.Value
	} else if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			raw = strings.TrimSpace(parts[1])
		}
	}
	if raw == "" {
		return nil, ErrUnauthenticated
	}

	cred, err := g.cfg.Issuer.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	id := &Identity{
		User:       flow.User{ID: cred.UserID, Provider: cred.Provider, Subject: cred.Profile.Subject, Email: cred.Profile.Email, Name: cred.Profile.Name},
		Session:    flow.UserSession{ID: cred.SessionID, UserID: cred.UserID},
		Credential: cred,
		Scopes:     strings.Fields(cred.Token.Scope),
	}

	ctx := r.Context()
	if g.cfg.Sessions != nil {
		sess, err := g.cfg.Sessions.SessionByID(ctx, cred.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: session %s: %w", ErrUnauthenticated, cred.SessionID, err)
		}
		if sess.UserID != cred.UserID {
			return nil, fmt.Errorf("%w: session does not belong to user", ErrUnauthenticated)
		}
		if !sess.ExpiresAt.IsZero() && !g.cfg.Now().Before(sess.ExpiresAt) {
			return nil, fmt.Errorf("%w: session expired", ErrUnauthenticated)
		}
		id.Session = sess
	}
	if g.cfg.Users != nil {
		user, err := g.cfg.Users.UserByID(ctx, cred.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: user %s: %w", ErrUnauthenticated, cred.UserID, err)
		}
		id.User = user
	}
	return id, nil
}

// HasScopes ensures the identity's upstream token was granted the required scopes.
func (id *Identity) HasScopes(required ...string) error {
	have := make(map[string]struct{}, len(id.Scopes))
	for _, sc := range id.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// Middleware authenticates requests and injects the identity into the context.
func (g *Guard) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := g.Authenticate(r)
			if err != nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if err := id.HasScopes(requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// IdentityFromContext retrieves the identity attached by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

type identityKey struct{}
