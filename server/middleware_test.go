package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated request id, got %q / %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Fatalf("expected propagated request id, got %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "192.0.2.10" {
		t.Fatalf("untrusted proxy headers must be ignored, got %s", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %s", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientIP(req, true); got != "198.51.100.4" {
		t.Fatalf("expected real ip header, got %s", got)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	if rl := NewRateLimiter(RateLimitConfig{}, false, nil, discardLogger()); rl != nil {
		t.Fatalf("expected nil limiter when rps is zero")
	}
	var rl *RateLimiter
	called := false
	rl.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("nil limiter must pass requests through")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware(600)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://gw.example.com/", nil))
	if rec.Header().Get("Strict-Transport-Security") != "max-age=600; includeSubDomains" {
		t.Fatalf("expected hsts header, got %q", rec.Header().Get("Strict-Transport-Security"))
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header")
	}
}
