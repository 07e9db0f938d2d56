package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// ProjectArticleRepository manages project membership of articles.
type ProjectArticleRepository interface {
	// Add attaches an article to a project. It reports false, without error, when the
	// article is already a member.
	Add(ctx context.Context, pa *domain.ProjectArticle) (bool, error)

	// Count returns the number of non-deleted articles in the project.
	Count(ctx context.Context, projectID uuid.UUID) (int, error)
}

var _ ProjectArticleRepository = (*PgProjectArticleRepository)(nil)

// PgProjectArticleRepository is the PostgreSQL ProjectArticleRepository.
type PgProjectArticleRepository struct {
	db DBTX
}

// NewPgProjectArticleRepository creates a membership store over db.
func NewPgProjectArticleRepository(db DBTX) *PgProjectArticleRepository {
	return &PgProjectArticleRepository{db: db}
}

// Add inserts the membership unless it already exists.
func (r *PgProjectArticleRepository) Add(ctx context.Context, pa *domain.ProjectArticle) (bool, error) {
	if pa == nil {
		return false, domain.NewValidationError("project_article", "membership cannot be nil")
	}
	status := pa.Status
	if status == "" {
		status = domain.ProjectArticleStatusCandidate
	}
	if !status.IsValid() {
		return false, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	query := `
		INSERT INTO project_articles (project_id, article_id, status, source_query, source_job_id, added_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, article_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query,
		pa.ProjectID, pa.ArticleID, string(status),
		nullString(pa.SourceQuery), pa.SourceJobID, pa.AddedBy,
	)
	if err != nil {
		return false, fmt.Errorf("add project article: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Count returns the project's article count, excluding deleted memberships.
func (r *PgProjectArticleRepository) Count(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM project_articles WHERE project_id = $1 AND status <> 'deleted'`,
		projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count project articles: %w", err)
	}
	return n, nil
}
