// Package httpserver provides the HTTP API of the literature pipeline.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/jobs"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/qdrant"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/search"
)

// Searcher runs a synchronous search into a project.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// JobService is the job lifecycle surface the API exposes.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*domain.Job, bool, error)
	Status(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*jobs.Status, error)
	Cancel(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error)
}

// ArticleReader reads articles and sizes graph expansion jobs.
type ArticleReader interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Article, error)
	CountExpandable(ctx context.Context, filter repository.ExpandableFilter) (int, error)
}

// EmbeddingReader reads stored vectors and sizes embedding jobs.
type EmbeddingReader interface {
	Get(ctx context.Context, articleID uuid.UUID) (*domain.ArticleEmbedding, error)
	CountMissing(ctx context.Context, filter repository.MissingEmbeddingFilter) (int, error)
}

// HealthChecker reports database readiness.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Deps are the collaborators behind the API. Index may be nil when the similarity
// index is disabled.
type Deps struct {
	Search     Searcher
	Jobs       JobService
	Articles   ArticleReader
	Embeddings EmbeddingReader
	Embedder   llm.Embedder
	Index      qdrant.Index
	Health     HealthChecker

	// EmbeddingMaxPerJob caps the dry-run total of an embedding job.
	EmbeddingMaxPerJob int
	// SimilarTopK is the default number of similar articles returned.
	SimilarTopK int
}

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	deps       Deps
	validate   *validator.Validate
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if deps.EmbeddingMaxPerJob <= 0 {
		deps.EmbeddingMaxPerJob = 500
	}
	if deps.SimilarTopK <= 0 {
		deps.SimilarTopK = 10
	}

	s := &Server{
		deps:     deps,
		validate: newValidator(),
		logger:   logger.With().Str("component", "http-server").Logger(),
	}
	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(actorMiddleware)
	r.Use(s.requestLogMiddleware)
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Use(projectContextMiddleware)

			r.Post("/search", s.searchProject)
			r.Post("/jobs/{kind}", s.createJob)
			r.Get("/jobs/{kind}", s.getJobStatus)
			r.Post("/jobs/{kind}/cancel", s.cancelJob)
		})
		r.Get("/articles/{articleID}/similar", s.similarArticles)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler reports whether the database is reachable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	health := s.deps.Health.Health(r.Context())
	if !health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": health.Status,
	})
}
