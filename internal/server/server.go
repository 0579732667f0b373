// Package server implements the HTTP transport layer for the Scribe proxy:
// the proxied messages surface on one side, the dashboard read API on the
// other.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/linker"
	"github.com/eugener/scribe/internal/storage"
	"github.com/eugener/scribe/internal/telemetry"
	"github.com/eugener/scribe/internal/tokens"
	"github.com/eugener/scribe/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// CredentialSource resolves tenant credentials, validates client keys, and
// scrubs secrets at the logging and error-serializer boundaries.
type CredentialSource interface {
	Resolve(ctx context.Context, tenant string) (*scribe.Credential, error)
	ValidateClientAuth(tenant, presented string) error
	Scrub(v string) string
	ScrubErr(err error) string
}

// Recorder is the write-pipeline surface the proxy tees into.
type Recorder interface {
	InsertRequest(r *scribe.Request)
	InsertChunk(c scribe.Chunk)
	PatchRequest(p scribe.RequestPatch)
}

// ConversationLinker places a request in a conversation.
type ConversationLinker interface {
	Link(ctx context.Context, in linker.Input) scribe.Linkage
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Credentials CredentialSource
	Upstream    *upstream.Client
	Recorder    Recorder
	Linker      ConversationLinker  // nil = fresh conversation per request
	Store       storage.Store       // nil = dashboard data routes return 503
	Tokens      *tokens.Service     // nil when storage is disabled
	ReadyCheck  ReadyChecker        // nil = always ready (for tests)
	Metrics     *telemetry.Metrics  // nil = no request metrics
	Gatherer    prometheus.Gatherer // nil = /metrics not mounted

	EnableClientAuth bool
	DashboardAPIKey  string
	AllowedOrigins   []string
	Version          string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, started: time.Now()}
	if deps.DashboardAPIKey != "" {
		s.dashKeyHash = scribe.HashKey(deps.DashboardAPIKey)
	}

	r := chi.NewRouter()

	// Global middleware. CORS sits at the top so preflights are answered on
	// every dashboard path before auth sees them.
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.instrument)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"X-Dashboard-Key", "Authorization", "Content-Type"},
	}).Handler)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// Client-facing proxied surface (tenant selected by Host header)
	r.Group(func(r chi.Router) {
		r.Use(s.tenantAuth)
		r.Post("/v1/messages", s.handleMessages)
	})

	// Dashboard read/control API (shared-secret auth)
	r.Group(func(r chi.Router) {
		r.Use(s.dashboardAuth)
		r.Get("/health", s.handleHealth)
		r.Get("/token-stats", s.handleTokenStats)
		if deps.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}
		r.Route("/api", func(r chi.Router) {
			r.Get("/requests", s.handleListRequests)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/conversations", s.handleListConversations)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Get("/token-usage/current", s.handleTokenUsageCurrent)
			r.Get("/token-usage/daily", s.handleTokenUsageDaily)
			r.Post("/analyses", s.handleCreateAnalysis)
			r.Get("/analyses/{conversationID}/{branchID}", s.handleGetAnalysis)
			r.Post("/analyses/{conversationID}/{branchID}/regenerate", s.handleRegenerateAnalysis)
		})
	})

	return r
}

type server struct {
	deps        Deps
	dashKeyHash string
	started     time.Time
}

// dataStore returns the store, or ErrStorageDisabled when persistence is off.
func (s *server) dataStore() (storage.Store, error) {
	if s.deps.Store == nil {
		return nil, scribe.ErrStorageDisabled
	}
	return s.deps.Store, nil
}
