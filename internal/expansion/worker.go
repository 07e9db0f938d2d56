// Package expansion implements the graph expansion job: it walks a project's articles,
// records their reference and citing neighbors, and pulls the neighbors' metadata into
// the shared article store.
package expansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/identity"
	"github.com/helixir/literature-pipeline/internal/jobs"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// ErrNeighborAPIUnreachable fails a job when every neighbor lookup failed.
var ErrNeighborAPIUnreachable = errors.New("neighbor API unreachable")

// NeighborAPI is the bibliographic API that knows the accession-id graph.
type NeighborAPI interface {
	Links(ctx context.Context, accessionID int64, link papersources.LinkType) ([]int64, error)
	FetchByIDs(ctx context.Context, ids []int64) ([]domain.SourceRecord, error)
}

// ArticleStore is the part of the article repository the worker uses.
type ArticleStore interface {
	CountExpandable(ctx context.Context, filter repository.ExpandableFilter) (int, error)
	ListExpandable(ctx context.Context, filter repository.ExpandableFilter, after uuid.UUID, limit int) ([]repository.ExpandableArticle, error)
	SetNeighbors(ctx context.Context, updates []repository.NeighborUpdate) error
	MissingNeighborIDs(ctx context.Context, projectID uuid.UUID, limit int) ([]int64, error)
}

// Resolver maps a neighbor record onto its canonical article.
type Resolver interface {
	Resolve(ctx context.Context, record domain.SourceRecord, pubTypes []string) (*identity.Resolution, error)
}

// Payload is the graph expansion job payload.
type Payload struct {
	ProjectID  uuid.UUID                     `json:"projectId"`
	Statuses   []domain.ProjectArticleStatus `json:"statuses,omitempty"`
	ArticleIDs []uuid.UUID                   `json:"articleIds,omitempty"`
}

// Config holds worker settings.
type Config struct {
	BatchSize    int
	MaxNeighbors int
	FetchChunk   int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxNeighbors <= 0 {
		c.MaxNeighbors = 2000
	}
	if c.FetchChunk <= 0 {
		c.FetchChunk = 100
	}
}

// Worker is the jobs.Handler for graph expansion jobs.
type Worker struct {
	cfg      Config
	api      NeighborAPI
	store    ArticleStore
	resolver Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

var _ jobs.Handler = (*Worker)(nil)

// NewWorker creates a graph expansion worker.
func NewWorker(cfg Config, api NeighborAPI, store ArticleStore, resolver Resolver, logger zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:      cfg,
		api:      api,
		store:    store,
		resolver: resolver,
		logger:   logger.With().Str("component", "expansion").Logger(),
		now:      time.Now,
	}
}

// Kind returns domain.JobKindGraphExpansion.
func (w *Worker) Kind() domain.JobKind {
	return domain.JobKindGraphExpansion
}

// lookupStats counts neighbor lookups across the whole job.
type lookupStats struct {
	attempted int
	failed    int
}

// Handle runs one graph expansion job.
func (w *Worker) Handle(ctx context.Context, job *domain.Job, progress jobs.Progress) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return err
	}
	logger := observability.WithJobContext(w.logger, job.ID.String(), job.ProjectID.String(), string(job.Kind))

	filter := repository.ExpandableFilter{
		ProjectID:  job.ProjectID,
		Statuses:   payload.Statuses,
		ArticleIDs: payload.ArticleIDs,
	}
	total, err := w.store.CountExpandable(ctx, filter)
	if err != nil {
		return fmt.Errorf("count expandable articles: %w", err)
	}
	if err := progress.SetTotal(ctx, total); err != nil {
		return err
	}
	logger.Info().Int("total", total).Msg("expanding project graph")

	var stats lookupStats
	after := uuid.Nil
	for {
		batch, err := w.store.ListExpandable(ctx, filter, after, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list expandable articles: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := w.expandBatch(ctx, batch, progress, &stats, logger); err != nil {
			return err
		}
		after = batch[len(batch)-1].ID
		if len(batch) < w.cfg.BatchSize {
			break
		}
	}

	if stats.attempted > 0 && stats.failed == stats.attempted {
		return ErrNeighborAPIUnreachable
	}
	if stats.failed > 0 {
		logger.Warn().Int("failed", stats.failed).Int("attempted", stats.attempted).Msg("some neighbor lookups failed")
	}

	return w.fetchMetadata(ctx, job.ProjectID, progress, logger)
}

// expandBatch fetches references, then citations, for one batch and stores the
// arrays of every article whose lookups both succeeded.
func (w *Worker) expandBatch(ctx context.Context, batch []repository.ExpandableArticle, progress jobs.Progress,
	stats *lookupStats, logger zerolog.Logger) error {
	if err := progress.Checkpoint(ctx); err != nil {
		return err
	}

	failed := make(map[uuid.UUID]bool, len(batch))

	if err := progress.SetPhase(ctx, domain.PhaseFetchingReferences); err != nil {
		return err
	}
	refs := w.lookup(ctx, batch, papersources.LinkReferences, failed, stats, logger)

	if err := progress.SetPhase(ctx, domain.PhaseFetchingCitations); err != nil {
		return err
	}
	cited := w.lookup(ctx, batch, papersources.LinkCitedBy, failed, stats, logger)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}

	now := w.now().UTC()
	updates := make([]repository.NeighborUpdate, 0, len(batch))
	for _, a := range batch {
		if failed[a.ID] {
			continue
		}
		updates = append(updates, repository.NeighborUpdate{
			ArticleID:    a.ID,
			ReferenceIDs: refs[a.ID],
			CitedByIDs:   cited[a.ID],
			FetchedAt:    now,
		})
	}
	if err := w.store.SetNeighbors(ctx, updates); err != nil {
		return fmt.Errorf("store neighbors: %w", err)
	}

	return progress.Advance(ctx, len(batch), len(failed))
}

func (w *Worker) lookup(ctx context.Context, batch []repository.ExpandableArticle, link papersources.LinkType,
	failed map[uuid.UUID]bool, stats *lookupStats, logger zerolog.Logger) map[uuid.UUID][]int64 {
	found := make(map[uuid.UUID][]int64, len(batch))
	for _, a := range batch {
		if ctx.Err() != nil {
			return found
		}
		stats.attempted++
		ids, err := w.api.Links(ctx, a.AccessionID, link)
		if err != nil {
			stats.failed++
			failed[a.ID] = true
			logger.Warn().Err(err).
				Str("article_id", a.ID.String()).
				Int64("accession_id", a.AccessionID).
				Str("link", string(link)).
				Msg("neighbor lookup failed")
			continue
		}
		if ids == nil {
			ids = []int64{}
		}
		found[a.ID] = ids
	}
	return found
}

// fetchMetadata resolves neighbor ids not yet in the store into articles. Neighbors are
// not attached to the project.
func (w *Worker) fetchMetadata(ctx context.Context, projectID uuid.UUID, progress jobs.Progress, logger zerolog.Logger) error {
	if err := progress.SetPhase(ctx, domain.PhaseFetchingMetadata); err != nil {
		return err
	}
	ids, err := w.store.MissingNeighborIDs(ctx, projectID, w.cfg.MaxNeighbors)
	if err != nil {
		return fmt.Errorf("list missing neighbors: %w", err)
	}
	if err := progress.SetNeighborTotal(ctx, len(ids)); err != nil {
		return err
	}
	logger.Info().Int("neighbors", len(ids)).Msg("fetching neighbor metadata")

	var created int
	for start := 0; start < len(ids); start += w.cfg.FetchChunk {
		if err := progress.Checkpoint(ctx); err != nil {
			return err
		}
		chunk := ids[start:min(start+w.cfg.FetchChunk, len(ids))]

		records, err := w.api.FetchByIDs(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
			}
			logger.Warn().Err(err).Int("ids", len(chunk)).Msg("neighbor metadata fetch failed")
			if err := progress.Advance(ctx, 0, len(chunk)); err != nil {
				return err
			}
			if err := progress.AdvanceNeighbors(ctx, len(chunk)); err != nil {
				return err
			}
			continue
		}

		var errs int
		for _, record := range records {
			res, err := w.resolver.Resolve(ctx, record, nil)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
				}
				errs++
				logger.Warn().Err(err).Str("doi", record.DOI).Msg("resolving neighbor failed")
				continue
			}
			if res.Created {
				created++
			}
		}
		if errs > 0 {
			if err := progress.Advance(ctx, 0, errs); err != nil {
				return err
			}
		}
		if err := progress.AdvanceNeighbors(ctx, len(chunk)); err != nil {
			return err
		}
	}

	logger.Info().Int("created", created).Msg("neighbor metadata fetched")
	return nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, domain.NewValidationError("payload", fmt.Sprintf("invalid graph expansion payload: %v", err))
	}
	for _, s := range p.Statuses {
		if !s.IsValid() {
			return p, domain.NewValidationError("statuses", fmt.Sprintf("unknown status %q", s))
		}
	}
	return p, nil
}
