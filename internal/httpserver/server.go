// Package httpserver implements the HTTP router: it maps every verb/path
// onto the components above, enforcing the unauthenticated-route
// allowlist, signed-request verification on /v1/adapter*/adapters*
// traffic, and session+CSRF enforcement on the remaining /v1/admin/*
// routes. Grounded on the teacher's internal/httpserver.NewServer (chi
// mux, global middleware stack, health and metrics endpoints wired the
// same way).
package httpserver

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dhannusch/pincer/internal/config"
	"github.com/dhannusch/pincer/internal/notify"
	"github.com/dhannusch/pincer/internal/pairing"
	"github.com/dhannusch/pincer/internal/proxy"
	"github.com/dhannusch/pincer/internal/registry"
	"github.com/dhannusch/pincer/internal/runtimekey"
	"github.com/dhannusch/pincer/internal/session"
	"github.com/dhannusch/pincer/internal/vault"
	"github.com/dhannusch/pincer/internal/verifier"
	"github.com/dhannusch/pincer/internal/version"
)

// Server holds every component the router dispatches into.
type Server struct {
	Router *chi.Mux

	logger  *slog.Logger
	db      *sql.DB
	redis   *redis.Client
	metrics *prometheus.Registry

	vault     *vault.Vault
	keys      *runtimekey.Store
	verifier  *verifier.Verifier
	registry  *registry.Registry
	sessions  *session.Store
	pairings  *pairing.Store
	proxy     *proxy.Proxy
	notifier  *notify.Notifier

	cfg *config.Config

	defaultHMACBinding string
	defaultKeyBinding  string
	skewSeconds        int
	startedAt          time.Time
}

// Deps bundles every dependency NewServer needs, keeping its own
// signature from growing a long positional parameter list as components
// were added.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sql.DB
	Redis    *redis.Client
	Metrics  *prometheus.Registry
	Vault    *vault.Vault
	Keys     *runtimekey.Store
	Verifier *verifier.Verifier
	Registry *registry.Registry
	Sessions *session.Store
	Pairings *pairing.Store
	Proxy    *proxy.Proxy
	Notifier *notify.Notifier
}

// NewServer builds the chi router and mounts every route the boundary exposes.
func NewServer(d Deps) *Server {
	s := &Server{
		Router:             chi.NewRouter(),
		logger:             d.Logger,
		db:                 d.DB,
		redis:              d.Redis,
		metrics:            d.Metrics,
		vault:              d.Vault,
		keys:               d.Keys,
		verifier:           d.Verifier,
		registry:           d.Registry,
		sessions:           d.Sessions,
		pairings:           d.Pairings,
		proxy:              d.Proxy,
		notifier:           d.Notifier,
		cfg:                d.Config,
		defaultHMACBinding: d.Config.DefaultHMACSecretBinding,
		defaultKeyBinding:  d.Config.DefaultKeySecretBinding,
		skewSeconds:        d.Config.DefaultSkewSeconds,
		startedAt:          time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(d.Logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", session.CSRFHeader, "X-Request-ID", "x-pincer-timestamp", "x-pincer-body-sha256", "x-pincer-signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))

	// Unauthenticated routes: the exact allowlist a client may hit without
	// either runtime or session credentials.
	s.Router.Get("/v1/health", s.handleHealth)
	s.Router.Post("/v1/connect", s.handleConnect)
	s.Router.Get("/v1/admin/bootstrap", s.handleBootstrapStatus)
	s.Router.Post("/v1/admin/bootstrap", s.handleBootstrap)
	s.Router.Post("/v1/admin/session/login", s.handleSessionLogin)
	s.Router.Post("/v1/admin/session/logout", s.handleSessionLogout)
	s.Router.Get("/v1/admin/session/me", s.handleSessionMe)

	// Runtime-authenticated routes: every /v1/adapter/* and /v1/adapters*
	// route except /v1/connect (already mounted above).
	s.Router.Group(func(r chi.Router) {
		r.Use(s.requireSignedRequest)
		r.Post("/v1/adapters/proposals", s.handleProposalsSubmit)
		r.Get("/v1/adapters", s.handleAdaptersList)
		r.Post("/v1/adapter/{adapter}/{action}", s.handleAdapterCall)
	})

	// Session-authenticated, idempotent admin routes: no CSRF token required.
	s.Router.Group(func(r chi.Router) {
		r.Use(s.requireSession(false))
		r.Get("/v1/admin/doctor", s.handleDoctor)
		r.Get("/v1/admin/metrics", s.handleMetricsSnapshot)
		r.Get("/v1/admin/secrets", s.handleSecretsList)
		r.Get("/v1/admin/adapters", s.handleAdminAdaptersList)
		r.Get("/v1/admin/adapters/proposals", s.handleAdminProposalsList)
		r.Get("/v1/admin/adapters/proposals/{id}", s.handleAdminProposalGet)
		r.Get("/v1/admin/audit", s.handleAudit)
	})

	// Session-authenticated, non-idempotent admin routes: CSRF token
	// required.
	s.Router.Group(func(r chi.Router) {
		r.Use(s.requireSession(true))
		r.Put("/v1/admin/secrets/{binding}", s.handleSecretPut)
		r.Delete("/v1/admin/secrets/{binding}", s.handleSecretDelete)
		r.Post("/v1/admin/runtime/rotate", s.handleRuntimeRotate)
		r.Post("/v1/admin/pairing/generate", s.handlePairingGenerate)
		r.Post("/v1/admin/adapters/proposals/{id}/reject", s.handleProposalReject)
		r.Post("/v1/admin/adapters/apply", s.handleAdaptersApply)
		r.Post("/v1/admin/adapters/{id}/enable", s.handleAdapterEnable)
		r.Post("/v1/admin/adapters/{id}/disable", s.handleAdapterDisable)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type healthResponse struct {
	Ok            bool   `json:"ok"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	ConfigVersion string `json:"configVersion"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, healthResponse{
		Ok:            true,
		Service:       "pincer",
		Version:       version.Version,
		ConfigVersion: version.Commit,
	})
}
