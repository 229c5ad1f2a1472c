package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"oauth2gate/client"
	"oauth2gate/flow"
	"oauth2gate/metrics"
	"oauth2gate/reconcile"
	"oauth2gate/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Registry *flow.ClientRegistry
	Flow     *flow.Flow
	Cookies  *flow.CookieIssuer
	Store    store.Store
	Sessions *SessionManager
	Records  *reconcile.Store
	Guard    *client.Guard
	Metrics  *metrics.Metrics
	Limiter  *RateLimiter
}

type appOptions struct {
	httpClient *http.Client
	registry   *prometheus.Registry
}

// AppOption customises NewApp.
type AppOption func(*appOptions)

// WithHTTPClient sets the client used for discovery, token exchange and profile fetches.
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) { o.httpClient = c }
}

// WithPrometheusRegistry registers metrics with reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) AppOption {
	return func(o *appOptions) { o.registry = reg }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	secret, err := LoadCredentialSecret(cfg, logger)
	if err != nil {
		return nil, err
	}
	cookies, err := flow.NewCookieIssuer(secret)
	if err != nil {
		return nil, err
	}

	registry, err := flow.BuildClients(ctx, cfg.ProviderConfigs(), o.httpClient, logger)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(o.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg.SessionStore)
	if err != nil {
		return nil, err
	}
	records, err := reconcile.Open(ctx, cfg.Database, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	f, err := flow.New(flow.Options{
		Registry: registry,
		Decoder:  providerDecoder(cfg.SubjectClaims()),
		Users:    records,
		Sessions: records,
		Cookies:  cookies,
		Logger:   logger,
		Recorder: m,
	})
	if err != nil {
		_ = st.Close()
		_ = records.Close()
		return nil, err
	}

	guard, err := client.NewGuard(client.GuardConfig{
		Issuer:     cookies,
		CookieName: cfg.Cookie.Name,
		Users:      records,
		Sessions:   records,
	})
	if err != nil {
		_ = st.Close()
		_ = records.Close()
		return nil, err
	}

	logger.Info("gateway configured",
		"providers", registry.Names(),
		"session_store", cfg.SessionStore.Driver,
		"database", cfg.Database.Driver)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Flow:     f,
		Cookies:  cookies,
		Store:    st,
		Sessions: NewSessionManager(cfg, st, logger),
		Records:  records,
		Guard:    guard,
		Metrics:  m,
		Limiter:  NewRateLimiter(cfg.RateLimit, cfg.Server.TrustProxyHeaders, m, logger),
	}, nil
}

// Close releases the session store and database.
func (a *App) Close() error {
	return errors.Join(a.Store.Close(), a.Records.Close())
}

func providerDecoder(subjectClaims map[string][]string) flow.ProfileDecoder {
	return flow.ProfileDecoderFunc(func(provider string, raw []byte) (flow.Profile, error) {
		return flow.JSONProfileDecoder{SubjectClaims: subjectClaims[provider]}.DecodeProfile(provider, raw)
	})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if _, err := a.Registry.Get(providerName); err != nil {
		http.Error(w, "provider not configured", http.StatusNotFound)
		return
	}

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	authURL, err := a.Flow.Begin(r.Context(), providerName, sess)
	if err != nil {
		status := flow.StatusCode(err)
		a.Logger.Error("authorize failed", "provider", providerName, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	q := r.URL.Query()
	params := flow.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	var sess flow.Session = emptySession{}
	if s := a.Sessions.Fetch(r); s != nil {
		sess = s
	}

	res, err := a.Flow.Callback(r.Context(), providerName, sess, params)
	if err != nil {
		status := flow.StatusCode(err)
		var rej *flow.Rejection
		if errors.As(err, &rej) {
			status = rej.StatusCode()
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	http.SetCookie(w, res.Cookie)
	http.Redirect(w, r, res.Location, http.StatusSeeOther)
}

func (a *App) handleProtected(w http.ResponseWriter, r *http.Request) {
	id, ok := client.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	resp := map[string]any{
		"user_id":    id.User.ID,
		"provider":   id.User.Provider,
		"subject":    id.User.Subject,
		"email":      id.User.Email,
		"name":       id.User.Name,
		"session_id": id.Session.ID,
		"scopes":     id.Scopes,
	}
	if !id.Credential.ExpiresAt.IsZero() {
		resp["expires_at"] = id.Credential.ExpiresAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, err := a.Guard.Authenticate(r); err == nil {
		if err := a.Records.DeleteSession(r.Context(), id.Session.ID); err != nil {
			a.Logger.Warn("logout delete session", "session_id", id.Session.ID, "error", err)
		} else {
			a.Logger.Info("logout", "user_id", id.User.ID, "session_id", id.Session.ID)
		}
	}

	name, path := a.Config.Cookie.Name, a.Config.Cookie.Path
	if name == "" {
		name = flow.DefaultCookieName
	}
	if path == "" {
		path = "/"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   a.Config.Cookie.Domain,
		MaxAge:   -1,
		Secure:   a.Config.cookieSecure(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Records.Ping(ctx); err != nil {
		a.Logger.Error("health check", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "providers": a.Registry.Names()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// emptySession stands in for visitors without a session handle: it holds nothing and keeps
// nothing, so verification fails as missing.
type emptySession struct{}

func (emptySession) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (emptySession) Set(context.Context, string, string) error         { return nil }
func (emptySession) Delete(context.Context, string) error              { return nil }

func (emptySession) TakeIf(context.Context, string, func(string) bool) (string, bool, bool, error) {
	return "", false, false, nil
}
