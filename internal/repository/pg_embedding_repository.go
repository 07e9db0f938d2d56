package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

var _ EmbeddingRepository = (*PgEmbeddingRepository)(nil)

// PgEmbeddingRepository is the PostgreSQL EmbeddingRepository.
type PgEmbeddingRepository struct {
	db DBTX
}

// NewPgEmbeddingRepository creates an embedding store over db.
func NewPgEmbeddingRepository(db DBTX) *PgEmbeddingRepository {
	return &PgEmbeddingRepository{db: db}
}

// Upsert writes e, replacing any existing vector.
func (r *PgEmbeddingRepository) Upsert(ctx context.Context, e *domain.ArticleEmbedding) error {
	if e == nil || len(e.Vector) == 0 {
		return domain.NewValidationError("vector", "embedding vector is required")
	}
	if e.Model == "" {
		return domain.NewValidationError("model", "embedding model is required")
	}
	if e.Dimensions == 0 {
		e.Dimensions = len(e.Vector)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO article_embeddings (article_id, model, vector, dimensions, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (article_id) DO UPDATE SET
			model = EXCLUDED.model,
			vector = EXCLUDED.vector,
			dimensions = EXCLUDED.dimensions,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, e.ArticleID, e.Model, e.Vector, e.Dimensions, e.UpdatedAt); err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// Get returns the embedding stored for articleID.
func (r *PgEmbeddingRepository) Get(ctx context.Context, articleID uuid.UUID) (*domain.ArticleEmbedding, error) {
	var e domain.ArticleEmbedding
	err := r.db.QueryRow(ctx,
		`SELECT article_id, model, vector, dimensions, updated_at FROM article_embeddings WHERE article_id = $1`,
		articleID,
	).Scan(&e.ArticleID, &e.Model, &e.Vector, &e.Dimensions, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("embedding", articleID.String())
		}
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return &e, nil
}

// missingEmbeddingCTE expands a project into its articles and, per flags $3 and $4,
// the stored articles of its reference and citing neighbors, minus those already
// embedded with model $2. Articles with neither title nor abstract have nothing to
// embed and are left out.
const missingEmbeddingCTE = `
	WITH project AS (
		SELECT a.id, a.reference_ids, a.cited_by_ids
		FROM project_articles pa
		JOIN articles a ON a.id = pa.article_id
		WHERE pa.project_id = $1 AND pa.status <> 'deleted'
	), neighbor_ids AS (
		SELECT unnest(reference_ids) AS accession_id FROM project WHERE $3::boolean
		UNION
		SELECT unnest(cited_by_ids) FROM project WHERE $4::boolean
	), candidates AS (
		SELECT id FROM project
		UNION
		SELECT a.id FROM articles a JOIN neighbor_ids n ON a.accession_id = n.accession_id
	), missing AS (
		SELECT c.id FROM candidates c
		JOIN articles a ON a.id = c.id
		WHERE (a.title ~ '\S' OR a.abstract ~ '\S')
		AND NOT EXISTS (
			SELECT 1 FROM article_embeddings e WHERE e.article_id = c.id AND e.model = $2
		)
	)`

// CountMissing counts articles still lacking an embedding.
func (r *PgEmbeddingRepository) CountMissing(ctx context.Context, filter MissingEmbeddingFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, missingEmbeddingCTE+` SELECT count(*) FROM missing`,
		filter.ProjectID, filter.Model, filter.IncludeReferences, filter.IncludeCitations,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count missing embeddings: %w", err)
	}
	return n, nil
}

// ListMissing returns the articles still lacking an embedding, ordered by id.
func (r *PgEmbeddingRepository) ListMissing(ctx context.Context, filter MissingEmbeddingFilter) ([]*domain.Article, error) {
	if filter.Limit <= 0 {
		return nil, nil
	}

	query := missingEmbeddingCTE + `
		SELECT a.id, a.accession_id, a.doi, a.title, a.abstract
		FROM missing m
		JOIN articles a ON a.id = m.id
		ORDER BY a.id
		LIMIT $5`

	rows, err := r.db.Query(ctx, query,
		filter.ProjectID, filter.Model, filter.IncludeReferences, filter.IncludeCitations, filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list missing embeddings: %w", err)
	}
	defer rows.Close()

	var articles []*domain.Article
	for rows.Next() {
		var (
			a   domain.Article
			doi *string
		)
		if err := rows.Scan(&a.ID, &a.AccessionID, &doi, &a.Title, &a.Abstract); err != nil {
			return nil, fmt.Errorf("scan missing embedding: %w", err)
		}
		a.DOI = derefString(doi)
		articles = append(articles, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missing embeddings: %w", err)
	}
	return articles, nil
}
