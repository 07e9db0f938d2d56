// Package identity maps heterogeneous source records onto canonical articles.
//
// An article is identified by its accession id first and its normalized DOI second.
// Resolution never creates a second article for an identifier that is already stored;
// concurrent first-time inserts of the same identifier are caught by the store's unique
// constraints and resolved by looking the winner up again.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/sanitize"
	"github.com/helixir/literature-pipeline/internal/stats"
)

// Store is the subset of the article repository the resolver needs.
type Store interface {
	FindByAccessionID(ctx context.Context, accessionID int64) (*domain.Article, error)
	FindByDOI(ctx context.Context, doi string) (*domain.Article, error)
	Create(ctx context.Context, article *domain.Article) error
	MergeIdentity(ctx context.Context, id uuid.UUID, pubTypes []string, accessionID *int64) error
}

// Resolution is the outcome of resolving one source record.
type Resolution struct {
	ArticleID uuid.UUID
	// Created is true when this call inserted the article.
	Created bool
	// Article is the stored article. On a match it reflects the row before the merge.
	Article *domain.Article
}

// Resolver resolves source records to canonical article ids. It is safe for concurrent use.
type Resolver struct {
	store     Store
	extractor stats.Extractor
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewResolver creates a Resolver. metrics may be nil.
func NewResolver(store Store, extractor stats.Extractor, metrics *observability.Metrics, logger zerolog.Logger) *Resolver {
	if extractor == nil {
		extractor = stats.Heuristic{}
	}
	return &Resolver{
		store:     store,
		extractor: extractor,
		metrics:   metrics,
		logger:    logger.With().Str("component", "identity").Logger(),
	}
}

// Resolve returns the canonical article for record, creating it when neither the
// accession id nor the DOI is known. pubTypes are unioned into the stored tag set.
func (r *Resolver) Resolve(ctx context.Context, record domain.SourceRecord, pubTypes []string) (*Resolution, error) {
	record.DOI = record.NormalizedDOI()

	res, err := r.lookup(ctx, record, pubTypes)
	if err != nil || res != nil {
		return res, err
	}

	article := r.newArticle(record, pubTypes)
	err = r.store.Create(ctx, article)
	if err == nil {
		if r.metrics != nil {
			r.metrics.RecordArticleCreated()
		}
		return &Resolution{ArticleID: article.ID, Created: true, Article: article}, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, fmt.Errorf("create article: %w", err)
	}

	// Lost an insert race: the other writer's row now holds one of our identifiers.
	if r.metrics != nil {
		r.metrics.RecordIdentityConflict()
	}
	r.logger.Debug().
		Interface("accession_id", record.AccessionID).
		Str("doi", record.DOI).
		Msg("concurrent insert detected, resolving against existing article")

	res, err = r.lookup(ctx, record, pubTypes)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("article conflict on %s but no match on re-lookup: %w", identifiers(record), domain.ErrAlreadyExists)
	}
	return res, nil
}

// lookup tries the accession id, then the DOI. It returns nil when neither matches.
func (r *Resolver) lookup(ctx context.Context, record domain.SourceRecord, pubTypes []string) (*Resolution, error) {
	if record.AccessionID != nil {
		article, err := r.store.FindByAccessionID(ctx, *record.AccessionID)
		switch {
		case err == nil:
			return r.merge(ctx, article, pubTypes, nil)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("find article by accession id: %w", err)
		}
	}

	if record.DOI != "" {
		article, err := r.store.FindByDOI(ctx, record.DOI)
		switch {
		case err == nil:
			var backfill *int64
			if article.AccessionID == nil && record.AccessionID != nil {
				backfill = record.AccessionID
			}
			return r.merge(ctx, article, pubTypes, backfill)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("find article by doi: %w", err)
		}
	}
	return nil, nil
}

// merge writes only when the tag set strictly grows or an accession id is backfilled.
func (r *Resolver) merge(ctx context.Context, article *domain.Article, pubTypes []string, backfill *int64) (*Resolution, error) {
	res := &Resolution{ArticleID: article.ID, Article: article}

	_, grows := domain.UnionPublicationTypes(article.PublicationTypes, pubTypes)
	if !grows && backfill == nil {
		return res, nil
	}

	err := r.store.MergeIdentity(ctx, article.ID, pubTypes, backfill)
	if err == nil {
		return res, nil
	}
	if backfill != nil && errors.Is(err, domain.ErrAlreadyExists) {
		// Another article already holds the accession id; keep the tags and leave it.
		r.logger.Warn().
			Str("article_id", article.ID.String()).
			Int64("accession_id", *backfill).
			Msg("accession id held by another article, skipping backfill")
		if grows {
			if err := r.store.MergeIdentity(ctx, article.ID, pubTypes, nil); err != nil {
				return nil, fmt.Errorf("merge publication types: %w", err)
			}
		}
		return res, nil
	}
	return nil, fmt.Errorf("merge article identity: %w", err)
}

func (r *Resolver) newArticle(record domain.SourceRecord, pubTypes []string) *domain.Article {
	title := sanitize.Text(record.Title)
	abstract := sanitize.Text(record.Abstract)
	tags, _ := domain.UnionPublicationTypes(nil, pubTypes)

	article := &domain.Article{
		AccessionID:      record.AccessionID,
		DOI:              record.DOI,
		Title:            title,
		Abstract:         abstract,
		Authors:          domain.SplitAuthors(record.Authors),
		Year:             record.Year,
		Journal:          sanitize.Text(record.Journal),
		Source:           record.Source,
		PublicationTypes: tags,
		RawPayload:       record.Raw,
	}
	if signal := r.extractor.Extract(abstract); signal != nil {
		score := signal.Score
		article.Stats = signal
		article.StatsScore = &score
	}
	return article
}

func identifiers(record domain.SourceRecord) string {
	switch {
	case record.AccessionID != nil && record.DOI != "":
		return fmt.Sprintf("accession %d / doi %s", *record.AccessionID, record.DOI)
	case record.AccessionID != nil:
		return fmt.Sprintf("accession %d", *record.AccessionID)
	default:
		return "doi " + record.DOI
	}
}
