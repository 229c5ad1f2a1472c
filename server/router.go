package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the authorization flow endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Route("/oauth2", func(r chi.Router) {
		r.Use(a.Limiter.Middleware)

		r.Get("/{provider}/authorize", a.handleAuthorize)
		r.Get("/{provider}/callback", a.handleCallback)
		r.With(a.Guard.Middleware()).Get("/protected", a.handleProtected)
		r.Post("/logout", a.handleLogout)
	})

	return r
}
