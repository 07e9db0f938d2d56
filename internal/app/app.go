// Package app assembles the pipeline from configuration. The server and worker
// binaries share this wiring so both processes see the same components.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/embedding"
	"github.com/helixir/literature-pipeline/internal/expansion"
	"github.com/helixir/literature-pipeline/internal/identity"
	"github.com/helixir/literature-pipeline/internal/jobs"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/papersources/openalex"
	"github.com/helixir/literature-pipeline/internal/papersources/pubmed"
	"github.com/helixir/literature-pipeline/internal/qdrant"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/search"
	httpserver "github.com/helixir/literature-pipeline/internal/server/http"
	"github.com/helixir/literature-pipeline/internal/stats"
)

// embeddingRetries is the number of retries for transient embedding API errors.
const embeddingRetries = 3

// App holds the constructed components. Close releases them.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	DB      *database.DB

	Articles   *repository.PgArticleRepository
	Embeddings *repository.PgEmbeddingRepository
	Jobs       *repository.PgJobRepository

	PubMed   *pubmed.Client
	OpenAlex *openalex.Client
	Resolver *identity.Resolver
	Search   *search.Orchestrator
	Embedder *llm.OpenAIProvider
	Queue    jobs.Queue
	Engine   *jobs.Engine
	// Index is nil when the similarity index is disabled.
	Index qdrant.Index

	closers []func() error
}

// New connects to the database and builds every component. Migrations run first when
// database.migration_auto_run is set.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(cfg.Metrics.Namespace),
	}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	if cfg.Database.MigrationAutoRun {
		if err := migrate(cfg, logger); err != nil {
			return nil, err
		}
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error { db.Close(); return nil })
	logger.Info().Msg("database connection established")

	a.Articles = repository.NewPgArticleRepository(db)
	a.Embeddings = repository.NewPgEmbeddingRepository(db)
	a.Jobs = repository.NewPgJobRepository(db)
	members := repository.NewPgProjectArticleRepository(db)

	a.PubMed = pubmed.New(pubmed.Config{
		BaseURL:    cfg.PaperSources.PubMed.BaseURL,
		APIKey:     cfg.PaperSources.PubMed.APIKey,
		Email:      cfg.PaperSources.PubMed.Email,
		Timeout:    cfg.PaperSources.PubMed.Timeout,
		RateLimit:  cfg.PaperSources.PubMed.EffectiveRateLimit(),
		MaxResults: cfg.PaperSources.PubMed.MaxResults,
		Enabled:    cfg.PaperSources.PubMed.Enabled,
	}, a.Metrics)
	a.OpenAlex = openalex.New(openalex.Config{
		BaseURL:    cfg.PaperSources.OpenAlex.BaseURL,
		APIKey:     cfg.PaperSources.OpenAlex.APIKey,
		Email:      cfg.PaperSources.OpenAlex.Email,
		Timeout:    cfg.PaperSources.OpenAlex.Timeout,
		RateLimit:  cfg.PaperSources.OpenAlex.EffectiveRateLimit(),
		MaxResults: cfg.PaperSources.OpenAlex.MaxResults,
		Enabled:    cfg.PaperSources.OpenAlex.Enabled,
	}, a.Metrics)

	registry := papersources.NewRegistry()
	registry.Register(a.PubMed)
	registry.Register(a.OpenAlex)

	a.Embedder = llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:         cfg.Embedding.APIKey,
		BaseURL:        cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		ChatModel:      cfg.Translation.Model,
		RateLimit:      cfg.Embedding.RateLimit,
		Recorder:       a.Metrics,
	}, cfg.Embedding.Timeout, embeddingRetries)

	heuristic := stats.Heuristic{}
	a.Resolver = identity.NewResolver(a.Articles, heuristic, a.Metrics, logger)

	stages := []search.Stage{
		search.NewCrossRefStage(a.OpenAlex, a.Articles),
		search.NewStatsStage(heuristic, a.Articles),
	}
	if cfg.Translation.Enabled {
		translator := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			ChatModel: cfg.Translation.Model,
			RateLimit: cfg.Embedding.RateLimit,
		}, cfg.Translation.Timeout, embeddingRetries)
		stages = append(stages, search.NewTranslationStage(translator, a.Articles, cfg.Translation.TargetLanguage))
	}

	a.Search = search.NewOrchestrator(search.Config{
		DefaultMaxResults: cfg.Search.DefaultMaxResults,
		MaxResultsLimit:   cfg.Search.MaxResultsLimit,
		MaxFetch:          cfg.Search.MaxFetchPerSource,
		InflationMin:      cfg.Search.Inflation.Min,
		InflationMax:      cfg.Search.Inflation.Max,
		InflationStep:     cfg.Search.Inflation.Step,
	}, registry, a.Resolver, members, stages, a.Metrics, logger)

	queue, err := newQueue(cfg.Queue, logger)
	if err != nil {
		return nil, err
	}
	a.Queue = queue
	a.closers = append(a.closers, queue.Close)
	a.Engine = jobs.NewEngine(a.Jobs, queue, cfg.Jobs.StallThreshold, a.Metrics, logger)

	if cfg.Qdrant.Enabled {
		index, err := qdrant.NewClient(qdrant.Config{
			Address:        cfg.Qdrant.Address,
			CollectionName: cfg.Qdrant.CollectionName,
			VectorSize:     cfg.Qdrant.VectorSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create qdrant client: %w", err)
		}
		a.closers = append(a.closers, index.Close)
		if err := index.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensure qdrant collection: %w", err)
		}
		a.Index = index
		logger.Info().Str("collection", cfg.Qdrant.CollectionName).Msg("similarity index ready")
	}

	built = true
	return a, nil
}

// HTTPDeps returns the collaborators of the HTTP API.
func (a *App) HTTPDeps() httpserver.Deps {
	return httpserver.Deps{
		Search:             a.Search,
		Jobs:               a.Engine,
		Articles:           a.Articles,
		Embeddings:         a.Embeddings,
		Embedder:           a.Embedder,
		Index:              a.Index,
		Health:             a.DB,
		EmbeddingMaxPerJob: a.Config.Embedding.MaxPerJob,
		SimilarTopK:        int(a.Config.Qdrant.TopK),
	}
}

// NewRunner builds the job runner with the graph expansion and embedding handlers.
func (a *App) NewRunner(ctx context.Context) (*jobs.Runner, error) {
	cfg := a.Config

	cache, err := a.newTextCache(ctx)
	if err != nil {
		return nil, err
	}

	expander := expansion.NewWorker(expansion.Config{
		BatchSize:    cfg.Expansion.BatchSize,
		MaxNeighbors: cfg.Expansion.MaxNeighbors,
		FetchChunk:   cfg.Expansion.FetchChunk,
	}, a.PubMed, a.Articles, a.Resolver, a.Logger)

	embedder := embedding.NewWorker(embedding.Config{
		MaxPerJob:  cfg.Embedding.MaxPerJob,
		DelayEvery: cfg.Embedding.DelayEvery,
		Delay:      cfg.Embedding.Delay,
	}, a.Embedder, cache, a.Embeddings, a.Index, a.Metrics, a.Logger)

	runner := jobs.NewRunner(a.Engine, a.Queue, cfg.Jobs.Workers, a.Logger)
	runner.Register(expander)
	runner.Register(embedder)
	return runner, nil
}

func (a *App) newTextCache(ctx context.Context) (embedding.TextCache, error) {
	cfg := a.Config
	if !cfg.Redis.Enabled {
		return embedding.NewMemoryCache(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL), nil
	}
	cache, err := embedding.NewRedisCache(ctx, embedding.RedisConfig{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		DialTimeout: cfg.Redis.DialTimeout,
		TTL:         cfg.Embedding.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, cache.Close)
	a.Logger.Info().Str("address", cfg.Redis.Address).Msg("redis embedding cache connected")
	return cache, nil
}

// Close releases components in reverse order of construction.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Error().Err(err).Msg("failed to release components")
	}
}

func newQueue(cfg config.QueueConfig, logger zerolog.Logger) (jobs.Queue, error) {
	switch cfg.Backend {
	case config.QueueBackendKafka:
		q, err := jobs.NewKafkaQueue(jobs.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			GroupID:      cfg.Kafka.GroupID,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			MaxWait:      cfg.Kafka.MaxWait,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka queue: %w", err)
		}
		return q, nil
	default:
		return jobs.NewMemoryQueue(cfg.Buffer), nil
	}
}

func migrate(cfg *config.Config, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(cfg.Database.DSN(), cfg.Database.MigrationPath, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
