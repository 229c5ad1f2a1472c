package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	csrfKey         = "oauth2_csrf_token"
	pkceVerifierKey = "oauth2_pkce_verifier"
)

// Session is the key/value capability attached to one visitor's session handle.
type Session interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// TakeIf atomically deletes key when match accepts its value, reporting whether the key
	// existed and whether it was taken.
	TakeIf(ctx context.Context, key string, match func(string) bool) (value string, found, taken bool, err error)
}

// CSRFBinder generates anti-forgery tokens and binds them to a visitor session.
type CSRFBinder struct{}

// Generate returns a fresh random token.
func (CSRFBinder) Generate() (string, error) {
	return randomToken(32)
}

// Bind stores token as the only live CSRF token for the session.
func (CSRFBinder) Bind(ctx context.Context, sess Session, token string) error {
	if err := sess.Set(ctx, csrfKey, token); err != nil {
		return fmt.Errorf("bind csrf token: %w", err)
	}
	return nil
}

// Verify compares supplied against the bound token and returns the consumed token. Compare
// and clear happen in one step, so of several concurrent callbacks carrying the same state at
// most one succeeds. A mismatch leaves the binding in place.
func (CSRFBinder) Verify(ctx context.Context, sess Session, supplied string) (string, error) {
	bound, found, taken, err := sess.TakeIf(ctx, csrfKey, func(v string) bool {
		return v != "" && subtle.ConstantTimeCompare([]byte(v), []byte(supplied)) == 1
	})
	if err != nil {
		return "", fmt.Errorf("take csrf token: %w", err)
	}
	switch {
	case !found || bound == "":
		return "", ErrCSRFMissing
	case !taken:
		return "", ErrCSRFMismatch
	}
	return bound, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
