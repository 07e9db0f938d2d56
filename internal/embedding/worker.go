// Package embedding implements the embedding job and its text-embedding cache.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/jobs"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/qdrant"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// Store is the part of the embedding repository the worker uses.
type Store interface {
	Upsert(ctx context.Context, e *domain.ArticleEmbedding) error
	ListMissing(ctx context.Context, filter repository.MissingEmbeddingFilter) ([]*domain.Article, error)
}

// Payload is the embedding job payload.
type Payload struct {
	ProjectID         uuid.UUID `json:"projectId"`
	IncludeReferences bool      `json:"includeReferences"`
	IncludeCitations  bool      `json:"includeCitations"`
}

// Config holds worker settings.
type Config struct {
	// MaxPerJob caps the articles one job embeds.
	MaxPerJob int
	// DelayEvery is the number of items between pauses and cancellation checks.
	DelayEvery int
	Delay      time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPerJob <= 0 {
		c.MaxPerJob = 500
	}
	if c.DelayEvery <= 0 {
		c.DelayEvery = 10
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
}

// Worker is the jobs.Handler for embedding jobs.
type Worker struct {
	cfg      Config
	embedder llm.Embedder
	cache    TextCache
	store    Store
	index    qdrant.Index
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ jobs.Handler = (*Worker)(nil)

// NewWorker creates an embedding worker. cache, index and metrics may be nil; without
// an index vectors are only stored in the database.
func NewWorker(cfg Config, embedder llm.Embedder, cache TextCache, store Store, index qdrant.Index,
	metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:      cfg,
		embedder: embedder,
		cache:    cache,
		store:    store,
		index:    index,
		metrics:  metrics,
		logger:   logger.With().Str("component", "embedding").Logger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Kind returns domain.JobKindEmbedding.
func (w *Worker) Kind() domain.JobKind {
	return domain.JobKindEmbedding
}

// Handle embeds every article in the job's missing set.
func (w *Worker) Handle(ctx context.Context, job *domain.Job, progress jobs.Progress) error {
	if !w.embedder.Configured() {
		return fmt.Errorf("embedding provider: %w", domain.ErrNotConfigured)
	}
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return err
	}
	logger := observability.WithJobContext(w.logger, job.ID.String(), job.ProjectID.String(), string(job.Kind))
	model := w.embedder.Model()

	articles, err := w.store.ListMissing(ctx, repository.MissingEmbeddingFilter{
		ProjectID:         job.ProjectID,
		Model:             model,
		IncludeReferences: payload.IncludeReferences,
		IncludeCitations:  payload.IncludeCitations,
		Limit:             w.cfg.MaxPerJob,
	})
	if err != nil {
		return fmt.Errorf("list articles missing embeddings: %w", err)
	}
	if err := progress.SetTotal(ctx, len(articles)); err != nil {
		return err
	}
	if err := progress.SetPhase(ctx, domain.PhaseEmbedding); err != nil {
		return err
	}
	logger.Info().Int("missing", len(articles)).Str("model", model).Msg("embedding articles")

	var embedded, failed int
	for i, article := range articles {
		if i%w.cfg.DelayEvery == 0 {
			if i > 0 && w.cfg.Delay > 0 {
				if err := w.sleep(ctx, w.cfg.Delay); err != nil {
					return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
				}
			}
			if err := progress.Checkpoint(ctx); err != nil {
				return err
			}
		}

		err := w.embedArticle(ctx, article, model)
		switch {
		case err == nil:
			embedded++
			if err := progress.Advance(ctx, 1, 0); err != nil {
				return err
			}
		case errors.Is(err, domain.ErrNotConfigured):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		default:
			failed++
			articleLogger := observability.WithArticleContext(logger, article.ID.String(), article.AccessionID, article.DOI)
			articleLogger.Warn().Err(err).Msg("embedding failed")
			if err := progress.Advance(ctx, 1, 1); err != nil {
				return err
			}
		}
	}

	logger.Info().Int("embedded", embedded).Int("failed", failed).Msg("embedding finished")
	return nil
}

// embedArticle computes, stores and indexes one article's vector.
func (w *Worker) embedArticle(ctx context.Context, article *domain.Article, model string) error {
	text := article.EmbeddingText()
	if text == "" {
		return errors.New("article has no title or abstract")
	}

	vector, err := w.vector(ctx, model, text)
	if err != nil {
		return err
	}

	if err := w.store.Upsert(ctx, &domain.ArticleEmbedding{
		ArticleID:  article.ID,
		Model:      model,
		Vector:     vector,
		Dimensions: len(vector),
		UpdatedAt:  w.now().UTC(),
	}); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	if w.index != nil {
		err := w.index.Upsert(ctx, qdrant.ArticlePoint{ArticleID: article.ID, Model: model, Vector: vector})
		if err != nil {
			w.logger.Warn().Err(err).Str("article_id", article.ID.String()).Msg("similarity index upsert failed")
		}
	}
	return nil
}

// vector returns the cached embedding for text or computes and caches it.
// Cache failures degrade to a direct API call.
func (w *Worker) vector(ctx context.Context, model, text string) ([]float32, error) {
	if w.cache != nil {
		vector, ok, err := w.cache.Get(ctx, model, text)
		if err != nil {
			w.logger.Warn().Err(err).Msg("embedding cache read failed")
		}
		if w.metrics != nil {
			w.metrics.RecordEmbeddingCache(ok)
		}
		if ok {
			return vector, nil
		}
	}

	vector, err := w.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	if w.cache != nil {
		if err := w.cache.Set(ctx, model, text, vector); err != nil {
			w.logger.Warn().Err(err).Msg("embedding cache write failed")
		}
	}
	return vector, nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, domain.NewValidationError("payload", fmt.Sprintf("invalid embedding payload: %v", err))
	}
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
