package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"oauth2gate/server"
)

func connectConfig(authURL string) server.Config {
	cfg := server.DefaultConfig()
	cfg.Providers["stub"] = server.ProviderSettings{
		ClientID:   "client",
		AuthURL:    authURL,
		TokenURL:   authURL + "/token",
		ProfileURL: authURL + "/userinfo",
	}
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	var sawClientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			sawClientID = r.URL.Query().Get("client_id")
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := connectConfig(srv.URL + "/start")

	if err := runConnect(context.Background(), cfg, logger, "stub", srv.Client()); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	if sawClientID != "client" {
		t.Fatalf("expected client_id on authorize request, got %q", sawClientID)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := connectConfig(srv.URL + "/start")

	if err := runConnect(context.Background(), cfg, logger, "stub", srv.Client()); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, "missing", nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestRunSetupCustomProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",  // dev mode
		"",   // public url
		"",   // listen addr
		"custom",
		"corp",
		"", // issuer
		"https://idp.example.com/authorize",
		"https://idp.example.com/token",
		"https://idp.example.com/userinfo",
		"", // pkce
		"cid",
		"secret",
		"openid, email",
	}, "\n") + "\n"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := runSetup(path, strings.NewReader(answers), logger)
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}

	p, ok := cfg.Providers["corp"]
	if !ok {
		t.Fatalf("expected corp provider, got %v", cfg.ProviderNames())
	}
	if p.ClientID != "cid" || p.ClientSecret != "secret" || !p.PKCE {
		t.Fatalf("unexpected provider settings %+v", p)
	}
	if len(p.Scopes) != 2 || p.Scopes[1] != "email" {
		t.Fatalf("unexpected scopes %v", p.Scopes)
	}
	if cfg.Cookie.TTL <= 0 || cfg.SessionStore.Driver != "memory" {
		t.Fatalf("defaults lost in round trip: %+v", cfg.Cookie)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
