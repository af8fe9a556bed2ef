// Package server implements the HTTP/SSE surface: the "/api" JSON and
// Server-Sent Events endpoints sitting in front of the Orchestrator (C11).
// Grounded on the teacher's internal/server/server.go (chi router,
// chi/middleware stack, go-chi/cors, New/Start/Shutdown/Router shape),
// rewritten from the teacher's HTMX/digest-page surface to a pure JSON+SSE
// API surface, since this project has no server-rendered HTML pages.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"briefly/internal/config"
	"briefly/internal/logger"
	"briefly/internal/metrics"
	"briefly/internal/persistence"
	"briefly/internal/pipeline"
)

// Server is the HTTP server binding the Orchestrator and artifact store to
// the spec's "/api"-prefixed routes.
type Server struct {
	router       *chi.Mux
	httpServer   *http.Server
	cfg          config.Server
	public       config.PublicConfig
	orchestrator *pipeline.Orchestrator
	store        persistence.Store
	metrics      *metrics.Registry
	log          *slog.Logger
}

// New creates a Server bound to orchestrator and store, wiring the full
// route table and middleware stack. reg may be nil or disabled; every
// counter read then reports a zeroed, disabled snapshot.
func New(cfg config.Server, public config.PublicConfig, orchestrator *pipeline.Orchestrator, store persistence.Store, reg *metrics.Registry) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		public:       public,
		orchestrator: orchestrator,
		store:        store,
		metrics:      reg,
		log:          logger.Get(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Gemini-Api-Key", "X-Gemini-Rpm", "X-Google-Cse-Api-Key", "X-Google-Cse-Cx", "X-Newsapi-Key", "X-Eventregistry-Api-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// SSE responses stream indefinitely; a blanket request timeout would
	// kill them. Applied only to the JSON routes, registered separately
	// below.
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/healthz", s.handleHealthz)
	s.router.Get("/api/config", s.handleConfig)

	s.router.Get("/api/run-agent-stream", s.handleRunAgentStream)
	s.router.Get("/api/retrieve-stream", s.handleRetrieveStream)
	s.router.Post("/api/generate-outline-stream", s.handleGenerateOutlineStream)
	s.router.Post("/api/targeted-research-stream", s.handleTargetedResearchStream)
	s.router.Post("/api/generate-article-stream", s.handleGenerateArticleStream)
	s.router.Post("/api/generate-image-prompt-stream", s.handleGenerateImagePromptStream)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/api/retrieve-candidates", s.handleRetrieveCandidates)
		r.Post("/api/extract-batch", s.handleExtractBatch)
		r.Post("/api/cluster-articles", s.handleClusterArticles)
		r.Get("/api/runs/{runId}/artifacts/{kind}", s.handleGetArtifact)
		r.Get("/api/article/{runId}", s.handleGetArticle)
		r.Get("/api/normalized/{articleId}", s.handleGetNormalized)
	})
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
