package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// ArticleRepository persists canonical Article records.
type ArticleRepository interface {
	// Get returns the article with the given id.
	// Returns domain.ErrNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.Article, error)

	// GetByIDs returns the articles found among ids; missing ids are skipped.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Article, error)

	// FindByAccessionID looks an article up by its accession id.
	// Returns domain.ErrNotFound if no article carries it.
	FindByAccessionID(ctx context.Context, accessionID int64) (*domain.Article, error)

	// FindByDOI looks an article up by its normalized DOI.
	// Returns domain.ErrNotFound if no article carries it.
	FindByDOI(ctx context.Context, doi string) (*domain.Article, error)

	// Create inserts a new article and fills in its id and timestamps.
	// Returns domain.ErrAlreadyExists when the accession id or DOI is taken.
	Create(ctx context.Context, article *domain.Article) error

	// MergeIdentity unions pubTypes into the stored publication types and, when
	// accessionID is non-nil, backfills it if the article has none. One statement.
	MergeIdentity(ctx context.Context, id uuid.UUID, pubTypes []string, accessionID *int64) error

	// FillIdentifiers sets the accession id and DOI where they are still NULL.
	// Returns domain.ErrAlreadyExists when another article already holds either value.
	FillIdentifiers(ctx context.Context, id uuid.UUID, accessionID *int64, doi string) error

	// UpdateTranslation stores the translated title and abstract.
	UpdateTranslation(ctx context.Context, id uuid.UUID, title, abstract string) error

	// UpdateStats replaces the statistics-quality signal and score.
	UpdateStats(ctx context.Context, id uuid.UUID, signal *domain.StatsSignal) error

	// CountExpandable counts the project articles matching filter that carry an accession id.
	CountExpandable(ctx context.Context, filter ExpandableFilter) (int, error)

	// ListExpandable returns up to limit expandable articles ordered by id, strictly after
	// the given id. Pass uuid.Nil to start from the beginning.
	ListExpandable(ctx context.Context, filter ExpandableFilter, after uuid.UUID, limit int) ([]ExpandableArticle, error)

	// SetNeighbors stores the reference and cited-by arrays of several articles in one
	// round trip and stamps neighbors_at.
	SetNeighbors(ctx context.Context, updates []NeighborUpdate) error

	// MissingNeighborIDs returns up to limit accession ids that appear in the reference or
	// cited-by arrays of the project's articles but have no stored article yet.
	MissingNeighborIDs(ctx context.Context, projectID uuid.UUID, limit int) ([]int64, error)
}

// ExpandableFilter selects the project articles a graph-expansion job walks.
// Empty Statuses and ArticleIDs mean no restriction; deleted memberships are always skipped.
type ExpandableFilter struct {
	ProjectID  uuid.UUID
	Statuses   []domain.ProjectArticleStatus
	ArticleIDs []uuid.UUID
}

// ExpandableArticle is the id pair the expansion worker needs per article.
type ExpandableArticle struct {
	ID          uuid.UUID
	AccessionID int64
}

// NeighborUpdate carries the neighbor arrays fetched for one article.
type NeighborUpdate struct {
	ArticleID    uuid.UUID
	ReferenceIDs []int64
	CitedByIDs   []int64
	FetchedAt    time.Time
}
