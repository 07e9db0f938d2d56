package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// EmbeddingRepository stores one vector per article.
type EmbeddingRepository interface {
	// Upsert writes the embedding, overwriting any previous vector for the article.
	Upsert(ctx context.Context, e *domain.ArticleEmbedding) error

	// Get returns the stored embedding of an article.
	// Returns domain.ErrNotFound if there is none.
	Get(ctx context.Context, articleID uuid.UUID) (*domain.ArticleEmbedding, error)

	// CountMissing counts the articles selected by filter that lack an embedding for
	// filter.Model, before applying filter.Limit.
	CountMissing(ctx context.Context, filter MissingEmbeddingFilter) (int, error)

	// ListMissing returns up to filter.Limit such articles with the fields needed to
	// build embedding input.
	ListMissing(ctx context.Context, filter MissingEmbeddingFilter) ([]*domain.Article, error)
}

// MissingEmbeddingFilter selects the project articles, plus optionally their stored
// reference and citing neighbors, that still need an embedding.
type MissingEmbeddingFilter struct {
	ProjectID         uuid.UUID
	Model             string
	IncludeReferences bool
	IncludeCitations  bool
	Limit             int
}
