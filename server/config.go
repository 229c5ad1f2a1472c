package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oauth2gate/flow"
	"oauth2gate/reconcile"
	"oauth2gate/store"
)

// Hardcoded rate limit defaults
const (
	DefaultRateLimitRPS   = 5.0
	DefaultRateLimitBurst = 20
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Providers    map[string]ProviderSettings `yaml:"providers"`
	Cookie       CookieConfig                `yaml:"cookie"`
	SessionStore store.Config                `yaml:"session_store"`
	Database     reconcile.Config            `yaml:"database"`
	RateLimit    RateLimitConfig             `yaml:"rate_limit"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	SecretsPath       string    `yaml:"secrets_path"`
	CredentialSecret  string    `yaml:"credential_secret"`
	TLS               TLSConfig `yaml:"tls"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderSettings describes one upstream OAuth2 provider. Endpoints may be left empty when
// an issuer supports discovery or the provider is google or github.
type ProviderSettings struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	Issuer        string   `yaml:"issuer"`
	TenantID      string   `yaml:"tenant_id"`
	AuthURL       string   `yaml:"auth_url"`
	TokenURL      string   `yaml:"token_url"`
	ProfileURL    string   `yaml:"profile_url"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	PKCE          bool     `yaml:"pkce"`
	SubjectClaims []string `yaml:"subject_claims"`
	ProtectedURL  string   `yaml:"protected_url"`
}

// CookieConfig controls the credential cookie.
type CookieConfig struct {
	Name         string        `yaml:"name"`
	Domain       string        `yaml:"domain"`
	Path         string        `yaml:"path"`
	TTL          time.Duration `yaml:"ttl"`
	ProtectedURL string        `yaml:"protected_url"`
}

// RateLimitConfig bounds requests per client IP on the /oauth2 routes.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Providers: map[string]ProviderSettings{},
		Cookie: CookieConfig{
			Name:         flow.DefaultCookieName,
			Path:         "/",
			TTL:          flow.DefaultCookieTTL,
			ProtectedURL: flow.DefaultProtectedURL,
		},
		SessionStore: store.Config{Driver: "memory", TTL: store.DefaultTTL},
		Database:     reconcile.Config{Driver: "sqlite", DSN: "oauth2gate.db"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: DefaultRateLimitRPS,
			Burst:             DefaultRateLimitBurst,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTH2GATE_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OAUTH2GATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OAUTH2GATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OAUTH2GATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OAUTH2GATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OAUTH2GATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OAUTH2GATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OAUTH2GATE_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OAUTH2GATE_CREDENTIAL_SECRET":        func(v string) { cfg.Server.CredentialSecret = v },
		"OAUTH2GATE_COOKIE_DOMAIN":            func(v string) { cfg.Cookie.Domain = v },
		"OAUTH2GATE_COOKIE_TTL":               func(v string) { cfg.Cookie.TTL = parseDuration(v, cfg.Cookie.TTL) },
		"OAUTH2GATE_SESSION_STORE_DRIVER":     func(v string) { cfg.SessionStore.Driver = v },
		"OAUTH2GATE_REDIS_ADDR":               func(v string) { cfg.SessionStore.RedisAddr = v },
		"OAUTH2GATE_REDIS_PASSWORD":           func(v string) { cfg.SessionStore.Password = v },
		"OAUTH2GATE_DATABASE_DRIVER":          func(v string) { cfg.Database.Driver = v },
		"OAUTH2GATE_DATABASE_DSN":             func(v string) { cfg.Database.DSN = v },
		"OAUTH2GATE_RATE_LIMIT_RPS":           func(v string) { cfg.RateLimit.RequestsPerSecond = parseFloat(v, cfg.RateLimit.RequestsPerSecond) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Provider credentials: OAUTH2GATE_PROVIDER_<NAME>_CLIENT_ID / _CLIENT_SECRET.
	for name, p := range cfg.Providers {
		prefix := "OAUTH2GATE_PROVIDER_" + envName(name) + "_"
		if v, ok := os.LookupEnv(prefix + "CLIENT_ID"); ok {
			p.ClientID = v
		}
		if v, ok := os.LookupEnv(prefix + "CLIENT_SECRET"); ok {
			p.ClientSecret = v
		}
		cfg.Providers[name] = p
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseFloat(val string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if s := c.Server.CredentialSecret; s != "" && len(s) < 32 {
		slog.Error("Credential secret too short", "field", "server.credential_secret", "length", len(s), "minimum", 32)
		return errors.New("server.credential_secret must be at least 32 bytes")
	}

	// Cookie domain should be a suffix of the public URL host,
	// e.g. public_url: gw.dev.example.com -> cookie.domain: .dev.example.com
	if c.Cookie.Domain != "" {
		host := publicHost(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Cookie.Domain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "cookie.domain",
				"cookie_domain", c.Cookie.Domain,
				"public_url_domain", host,
				"reason", "cookie.domain must be a suffix of public_url domain")
			return fmt.Errorf("cookie.domain '%s' does not match server.public_url domain '%s'", c.Cookie.Domain, host)
		}
	}
	if c.Cookie.TTL <= 0 {
		slog.Error("Invalid cookie TTL", "field", "cookie.ttl", "value", c.Cookie.TTL)
		return errors.New("cookie.ttl must be positive")
	}
	if c.Cookie.ProtectedURL != "" && !strings.HasPrefix(c.Cookie.ProtectedURL, "/") &&
		!strings.HasPrefix(c.Cookie.ProtectedURL, "http://") && !strings.HasPrefix(c.Cookie.ProtectedURL, "https://") {
		return fmt.Errorf("cookie.protected_url must be a path or an http(s) URL, got: %s", c.Cookie.ProtectedURL)
	}

	if len(c.Providers) == 0 {
		slog.Error("No providers configured", "field", "providers")
		return errors.New("at least one provider must be configured under providers")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if !validProviderName(name) {
			slog.Error("Invalid provider name", "provider", name, "reason", "use lowercase letters, digits, '-' or '_'")
			return fmt.Errorf("providers.%s: invalid name", name)
		}
		if p.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", name, "field", fmt.Sprintf("providers.%s.client_id", name))
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		wellKnown := name == "google" || name == "github"
		explicit := p.AuthURL != "" && p.TokenURL != "" && p.ProfileURL != ""
		if p.Issuer == "" && !wellKnown && !explicit {
			slog.Error("Provider endpoints unresolved", "provider", name, "reason", "set issuer or auth_url, token_url and profile_url")
			return fmt.Errorf("providers.%s: issuer or auth_url, token_url and profile_url are required", name)
		}
		for field, v := range map[string]string{"auth_url": p.AuthURL, "token_url": p.TokenURL, "profile_url": p.ProfileURL, "redirect_url": p.RedirectURL, "issuer": p.Issuer} {
			if v != "" && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
				slog.Error("Invalid provider URL", "provider", name, "field", field, "value", v)
				return fmt.Errorf("providers.%s.%s must start with http:// or https://, got: %s", name, field, v)
			}
		}
	}

	switch c.SessionStore.Driver {
	case "", "memory":
	case "redis":
		if c.SessionStore.RedisAddr == "" {
			slog.Error("Missing redis address", "field", "session_store.redis_addr")
			return errors.New("session_store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("session_store.driver must be 'memory' or 'redis', got: %s", c.SessionStore.Driver)
	}

	switch c.Database.Driver {
	case "", "sqlite":
	case "mysql":
		if c.Database.DSN == "" {
			slog.Error("Missing database DSN", "field", "database.dsn")
			return errors.New("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'mysql', got: %s", c.Database.Driver)
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}

	return nil
}

// ProviderNames lists configured providers in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderConfigs converts the provider settings into flow client configurations.
func (c Config) ProviderConfigs() []flow.ProviderConfig {
	base := strings.TrimSuffix(c.Server.PublicURL, "/")
	secure := c.cookieSecure()

	out := make([]flow.ProviderConfig, 0, len(c.Providers))
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]

		redirect := p.RedirectURL
		if redirect == "" {
			redirect = base + "/oauth2/" + name + "/callback"
		}
		issuer := p.Issuer
		if resolved, ok := resolveAzureTenantIssuer(p.Issuer, p.TenantID); ok {
			issuer = resolved
		}
		protected := c.Cookie.ProtectedURL
		if p.ProtectedURL != "" {
			protected = p.ProtectedURL
		}

		out = append(out, flow.ProviderConfig{
			Name:         name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Issuer:       issuer,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			ProfileURL:   p.ProfileURL,
			RedirectURL:  redirect,
			Scopes:       append([]string(nil), p.Scopes...),
			PKCE:         p.PKCE,
			Cookie: flow.CookiePolicy{
				ProtectedURL: protected,
				Name:         c.Cookie.Name,
				Domain:       c.Cookie.Domain,
				Path:         c.Cookie.Path,
				TTL:          c.Cookie.TTL,
				Insecure:     !secure,
			},
		})
	}
	return out
}

// cookieSecure reports whether cookies carry the Secure flag: always outside dev mode, and in
// dev mode when the public URL is https.
func (c Config) cookieSecure() bool {
	return !c.Server.DevMode || strings.HasPrefix(c.Server.PublicURL, "https://")
}

// SubjectClaims returns the per-provider subject claim overrides.
func (c Config) SubjectClaims() map[string][]string {
	out := make(map[string][]string)
	for name, p := range c.Providers {
		if len(p.SubjectClaims) > 0 {
			out[name] = p.SubjectClaims
		}
	}
	return out
}

func validProviderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func publicHost(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// resolveAzureTenantIssuer rewrites the Microsoft "common" issuer for a specific tenant.
func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
