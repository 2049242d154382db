// Package server provides HTTP server construction for authd.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultRequestTimeout bounds each request when MuxConfig leaves it unset.
const DefaultRequestTimeout = 30 * time.Second

// TokenService is everything the HTTP surface needs from the token
// service.
type TokenService interface {
	auth.TokenIssuer
	auth.TokenRevoker
	auth.Introspector
	auth.AccessVerifier
	auth.KeySource
}

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	Consent  auth.ConsentFlow
	Clients  auth.ClientStore
	Codes    auth.CodeRedeemer
	Tokens   TokenService
	Sessions auth.SessionManager
	Users    auth.UserLookup
	Auditor  audit.Sink
	Logger   *slog.Logger

	Metadata auth.MetadataConfig
	Cookies  auth.CookieConfig

	// CORSOrigins lists the consent UI origins allowed to call the
	// consent API with credentials.
	CORSOrigins    []string
	RateLimit      int
	RequestTimeout time.Duration

	// TrustProxyHeaders takes the caller address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites both.
	TrustProxyHeaders bool
}

// NewMux builds the router with discovery, browser redirect, consent API
// and back-channel endpoints.
func NewMux(cfg MuxConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	limiter := auth.NewRateLimiter(cfg.RateLimit).Middleware(cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	r.Use(auth.RemoteIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.Metadata))
	r.Get("/.well-known/jwks.json", auth.HandleJWKS(cfg.Tokens))

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize", auth.HandleAuthorize(cfg.Consent, cfg.Logger))

		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.Post("/token", auth.HandleToken(cfg.Clients, cfg.Codes, cfg.Tokens, cfg.Auditor, cfg.Logger))
			r.Post("/login", auth.HandleLogin(cfg.Sessions, cfg.Cookies, cfg.Logger))
		})

		r.Post("/logout", auth.HandleLogout(cfg.Sessions, cfg.Cookies, cfg.Logger))
		r.Post("/revoke", auth.HandleRevoke(cfg.Tokens, cfg.Logger))
		r.Post("/introspect", auth.HandleIntrospect(cfg.Tokens))

		r.With(auth.Middleware(cfg.Tokens, cfg.Logger)).Get("/userinfo", auth.HandleUserInfo(cfg.Users, cfg.Logger))

		r.Route("/consent", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
				ExposedHeaders:   []string{"X-Request-ID"},
				AllowCredentials: true,
				MaxAge:           300,
			}))

			r.Get("/info", auth.HandleConsentInfo(cfg.Consent, cfg.Logger))
			r.Post("/submit", auth.HandleConsentSubmit(cfg.Consent, cfg.Logger))
		})
	})

	return r
}
