// Package server provides the HTTP API for the trust service: agent
// registration, trust updates, threshold queries, promise transitions, and
// monitoring endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/covenantd/covenant/internal/backup"
	"github.com/covenantd/covenant/internal/otel"
	"github.com/covenantd/covenant/internal/promise"
	"github.com/covenantd/covenant/internal/trust"
)

const defaultTimeout = 30 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	manager     *trust.Manager
	ledger      *promise.Ledger
	coordinator *backup.Coordinator
	corsOrigins []string
	rateLimit   int // requests per second per client, 0 disables
	version     string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithBackupCoordinator enables the backup endpoints.
func WithBackupCoordinator(c *backup.Coordinator) Option {
	return func(s *Server) { s.coordinator = c }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit sets the per-client request rate limit.
func WithRateLimit(perSecond int) Option {
	return func(s *Server) { s.rateLimit = perSecond }
}

// WithVersion sets the version string reported by /v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server over the trust manager and promise ledger.
func NewServer(manager *trust.Manager, ledger *promise.Ledger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		manager:     manager,
		ledger:      ledger,
		corsOrigins: []string{"*"},
		version:     "dev",
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.rateLimit))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/status", s.handleStatus)

		r.Post("/v1/agents", s.handleAgentCreate)
		r.Get("/v1/agents", s.handleAgentList)
		r.Get("/v1/agents/{id}", s.handleAgentGet)
		r.Delete("/v1/agents/{id}", s.handleAgentDelete)
		r.Post("/v1/agents/{id}/updates", s.handleTrustUpdate)
		r.Post("/v1/agents/{id}/feedback", s.handlePeerFeedback)
		r.Get("/v1/agents/{id}/history", s.handleHistory)
		r.Get("/v1/agents/{id}/threshold/{category}", s.handleThreshold)
		r.Get("/v1/updates", s.handleUpdatesSince)

		r.Post("/v1/promises", s.handlePromisePropose)
		r.Get("/v1/promises", s.handlePromiseList)
		r.Get("/v1/promises/{id}", s.handlePromiseGet)
		r.Post("/v1/promises/{id}/accept", s.handlePromiseAccept)
		r.Post("/v1/promises/{id}/reject", s.handlePromiseReject)
		r.Post("/v1/promises/{id}/fulfill", s.handlePromiseFulfill)
		r.Post("/v1/promises/{id}/violate", s.handlePromiseViolate)

		if s.coordinator != nil {
			r.Post("/v1/backups", s.handleBackupRun)
			r.Get("/v1/backups", s.handleBackupList)
		}
	})

	return r
}
