// Package api serves the summarization endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/brieflyhq/briefly/internal/ai"
	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
	"github.com/brieflyhq/briefly/internal/observability"
	"github.com/brieflyhq/briefly/internal/ratelimit"
	"github.com/brieflyhq/briefly/internal/summary"
)

// Summaries is what the handlers need from the summary service.
type Summaries interface {
	Summarize(ctx context.Context, req summary.Request) (*summary.Summary, error)
	Regenerate(ctx context.Context, req summary.Request) (*summary.Summary, error)
	History(ctx context.Context, ownerID string) []summary.Summary
	InvalidateOwner(ctx context.Context, ownerID string) int64
}

// CacheStatus reports the cache connection for health checks.
type CacheStatus interface {
	IsAvailable() bool
	State() cache.State
}

// CacheDefaults reports the store's effective default expiry.
type CacheDefaults interface {
	DefaultTTL() time.Duration
}

// AIStatus reports the summarizer backend for health checks.
type AIStatus interface {
	Enabled() bool
	GetConfig() ai.Config
}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Summaries Summaries
	Cache     CacheStatus
	Store     CacheDefaults // optional
	AI        AIStatus      // optional

	// Limiter is optional; without it requests are not limited.
	Limiter     *ratelimit.Limiter
	GeneralTier ratelimit.Tier
	AITier      ratelimit.Tier
}

// NewRouter builds the route tree.
func NewRouter(cfg ServerConfig) http.Handler {
	h := &Handler{summaries: cfg.Summaries, cache: cfg.Cache, store: cfg.Store, ai: cfg.AI}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)
	r.Use(observability.HTTPMiddleware)
	r.Use(AccessLog)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(ratelimit.Middleware(cfg.Limiter, cfg.GeneralTier))
		}

		r.Route("/summaries", func(r chi.Router) {
			if cfg.Limiter != nil {
				r.Use(ratelimit.Middleware(cfg.Limiter, cfg.AITier))
			}
			r.Post("/", h.CreateSummary)
			r.Post("/regenerate", h.RegenerateSummary)
		})

		r.Route("/owners/{ownerID}", func(r chi.Router) {
			r.Get("/summaries", h.ListSummaries)
			r.Delete("/cache", h.InvalidateOwner)
		})
	})

	return r
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewRouter(cfg),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
