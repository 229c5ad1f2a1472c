package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"oauth2gate/flow"
)

type fakeRecords struct {
	users    map[string]flow.User
	sessions map[string]flow.UserSession
}

func (f fakeRecords) UserByID(_ context.Context, id string) (flow.User, error) {
	u, ok := f.users[id]
	if !ok {
		return flow.User{}, errors.New("not found")
	}
	return u, nil
}

func (f fakeRecords) SessionByID(_ context.Context, id string) (flow.UserSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return flow.UserSession{}, errors.New("not found")
	}
	return s, nil
}

func newGuardFixture(t *testing.T) (*Guard, *flow.CookieIssuer, fakeRecords, *http.Cookie) {
	t.Helper()
	issuer, err := flow.NewCookieIssuer([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("NewCookieIssuer returned error: %v", err)
	}
	records := fakeRecords{
		users:    map[string]flow.User{"u-1": {ID: "u-1", Provider: "google", Subject: "1", Email: "a@example.com"}},
		sessions: map[string]flow.UserSession{"s-1": {ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)}},
	}
	cookie, err := issuer.Issue(flow.DefaultCookiePolicy(), flow.Grant{
		Provider: "google",
		Token:    &flow.TokenResponse{AccessToken: "at", Scope: "openid email"},
		Profile:  flow.Profile{Provider: "google", Subject: "1"},
		User:     records.users["u-1"],
		Session:  records.sessions["s-1"],
	})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	guard, err := NewGuard(GuardConfig{Issuer: issuer, Users: records, Sessions: records})
	if err != nil {
		t.Fatalf("NewGuard returned error: %v", err)
	}
	return guard, issuer, records, cookie
}

func TestMiddlewareAcceptsCredentialCookie(t *testing.T) {
	guard, _, _, cookie := newGuardFixture(t)

	var got *Identity
	h := guard.Middleware("email")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/oauth2/protected", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got == nil || got.User.Email != "a@example.com" || got.Session.ID != "s-1" {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestMiddlewareAcceptsBearerCredential(t *testing.T) {
	guard, _, _, cookie := newGuardFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+cookie.Value)

	id, err := guard.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if id.User.ID != "u-1" {
		t.Fatalf("unexpected user %+v", id.User)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	guard, _, records, cookie := newGuardFixture(t)
	h := guard.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: flow.DefaultCookieName, Value: cookie.Value[:len(cookie.Value)-4] + "AAAA"})
	if _, err := guard.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for tampered cookie, got %v", err)
	}

	delete(records.sessions, "s-1")
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := guard.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated after logout, got %v", err)
	}
}

func TestAuthenticateRejectsExpiredSession(t *testing.T) {
	guard, _, records, cookie := newGuardFixture(t)
	records.sessions["s-1"] = flow.UserSession{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().Add(-time.Minute)}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := guard.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for expired session, got %v", err)
	}
}
