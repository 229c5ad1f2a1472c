package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

const (
	googleProfileURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubProfileURL = "https://api.github.com/user"
)

// ClientRegistry is the named set of configured providers. It is filled once at startup and
// never mutated afterwards, so lookups need no locking.
type ClientRegistry struct {
	providers map[string]Provider
}

// NewClientRegistry registers providers by name.
func NewClientRegistry(providers ...Provider) (*ClientRegistry, error) {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("provider name required")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("provider %s registered twice", name)
		}
		m[name] = p
	}
	return &ClientRegistry{providers: m}, nil
}

// Get returns the provider registered under name.
func (r *ClientRegistry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *ClientRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildClients resolves endpoints for every configured provider and returns the registry.
func BuildClients(ctx context.Context, cfgs []ProviderConfig, httpClient *http.Client, logger *slog.Logger) (*ClientRegistry, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		resolved, err := resolveEndpoints(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}
		client, err := NewAuthorizationCodeClient(resolved, httpClient)
		if err != nil {
			return nil, err
		}
		logger.Info("provider configured",
			"provider", resolved.Name,
			"auth_url", resolved.AuthURL,
			"profile_url", resolved.ProfileURL,
			"pkce", resolved.PKCE)
		providers = append(providers, client)
	}
	return NewClientRegistry(providers...)
}

// resolveEndpoints fills missing endpoints: explicit values win, then OIDC discovery when an
// issuer is set, then the well-known Google and GitHub endpoints.
func resolveEndpoints(ctx context.Context, cfg ProviderConfig, httpClient *http.Client) (ProviderConfig, error) {
	if cfg.AuthURL != "" && cfg.TokenURL != "" && cfg.ProfileURL != "" {
		return cfg, nil
	}

	if cfg.Issuer != "" {
		if httpClient != nil {
			ctx = oidc.ClientContext(ctx, httpClient)
		}
		op, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return cfg, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
		}
		endpoint := op.Endpoint()
		fillEndpoints(&cfg, endpoint.AuthURL, endpoint.TokenURL, op.UserInfoEndpoint())
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
		}
		return cfg, nil
	}

	switch strings.ToLower(cfg.Name) {
	case "google":
		fillEndpoints(&cfg, google.Endpoint.AuthURL, google.Endpoint.TokenURL, googleProfileURL)
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
		}
	case "github":
		fillEndpoints(&cfg, github.Endpoint.AuthURL, github.Endpoint.TokenURL, githubProfileURL)
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{"read:user", "user:email"}
		}
	}
	return cfg, nil
}

func fillEndpoints(cfg *ProviderConfig, authURL, tokenURL, profileURL string) {
	if cfg.AuthURL == "" {
		cfg.AuthURL = authURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = tokenURL
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = profileURL
	}
}
