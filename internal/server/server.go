// Package server implements the localhost HTTP transport for the agate
// gateway: the OpenAI and Anthropic chat surfaces, model listing, the IDE
// masquerade endpoints, and a small admin API.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascadelabs/agate/internal/app"
	"github.com/cascadelabs/agate/internal/cache"
	"github.com/cascadelabs/agate/internal/storage"
	"github.com/cascadelabs/agate/internal/telemetry"
	"github.com/cascadelabs/agate/internal/token"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Poller is the monitor surface the admin API pokes.
type Poller interface {
	ForcePoll()
}

// LocalModels lists models discovered on local providers.
type LocalModels func(ctx context.Context) []string

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Proxy       *app.ProxyService
	Tokens      *token.Manager
	Store       storage.Store
	Cache       *cache.Service     // nil = no cache admin surface
	Monitor     Poller             // nil = no force-poll endpoint
	LocalModels LocalModels        // nil = no local model discovery
	AuthToken   string             // optional shared inbound bearer
	ReadyCheck  ReadyChecker       // nil = always ready
	Metrics     *telemetry.Metrics // nil = no metrics middleware
	Registry    prometheus.Gatherer
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// IDE masquerade endpoints bypass auth; the IDE presents Google
	// credentials, not ours, and loopback is the security boundary.
	r.Post("/v1internal:fetchAvailableModels", s.handleMasqModels)
	r.Post("/v1internal:loadCodeAssist", s.handleMasqLoadCodeAssist)
	r.Get("/oauth2/v1/userinfo", s.handleMasqUserInfo)
	r.Get("/oauth2/v2/userinfo", s.handleMasqUserInfo)
	r.Get("/v1/people/me", s.handleMasqPeople)

	// Client-facing API
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/messages", s.handleMessages)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin surface
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts/{id}/activate", s.handleActivateAccount)
		r.Delete("/accounts/{id}", s.handleRemoveAccount)
		r.Post("/poll", s.handleForcePoll)
		r.Post("/cache/purge", s.handlePurgeCache)
		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handleSetSetting)
	})

	return r
}

type server struct {
	deps Deps
}
