package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

var _ ArticleRepository = (*PgArticleRepository)(nil)

// PgArticleRepository is the PostgreSQL ArticleRepository.
type PgArticleRepository struct {
	db DBTX
}

// NewPgArticleRepository creates an article store over db.
func NewPgArticleRepository(db DBTX) *PgArticleRepository {
	return &PgArticleRepository{db: db}
}

const articleColumns = `
	id, accession_id, doi, title, abstract, authors, year, journal, source,
	stats_score, stats, publication_types, raw_payload,
	reference_ids, cited_by_ids, neighbors_at,
	title_translated, abstract_translated, created_at, updated_at`

// Get returns the article with the given id.
func (r *PgArticleRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Article, error) {
	row := r.db.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	article, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("article", id.String())
		}
		return nil, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

// GetByIDs returns the articles among ids, in no particular order.
func (r *PgArticleRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Article, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get articles: %w", err)
	}
	defer rows.Close()

	articles := make([]*domain.Article, 0, len(ids))
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return articles, nil
}

// FindByAccessionID looks an article up by accession id.
func (r *PgArticleRepository) FindByAccessionID(ctx context.Context, accessionID int64) (*domain.Article, error) {
	row := r.db.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE accession_id = $1`, accessionID)
	article, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("article", "accession:"+strconv.FormatInt(accessionID, 10))
		}
		return nil, fmt.Errorf("find article by accession id: %w", err)
	}
	return article, nil
}

// FindByDOI looks an article up by normalized DOI.
func (r *PgArticleRepository) FindByDOI(ctx context.Context, doi string) (*domain.Article, error) {
	if doi == "" {
		return nil, domain.NewValidationError("doi", "doi is required")
	}

	row := r.db.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE doi = $1`, doi)
	article, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("article", "doi:"+doi)
		}
		return nil, fmt.Errorf("find article by doi: %w", err)
	}
	return article, nil
}

// Create inserts article. A taken accession id or DOI yields domain.ErrAlreadyExists.
func (r *PgArticleRepository) Create(ctx context.Context, article *domain.Article) error {
	if article == nil {
		return domain.NewValidationError("article", "article cannot be nil")
	}
	if article.ID == uuid.Nil {
		article.ID = uuid.New()
	}

	var statsJSON []byte
	if article.Stats != nil {
		var err error
		if statsJSON, err = json.Marshal(article.Stats); err != nil {
			return fmt.Errorf("marshal stats signal: %w", err)
		}
	}

	var rawPayload []byte
	if len(article.RawPayload) > 0 {
		rawPayload = article.RawPayload
	}

	var year *int
	if article.Year > 0 {
		year = &article.Year
	}

	query := `
		INSERT INTO articles (
			id, accession_id, doi, title, abstract, authors, year, journal, source,
			stats_score, stats, publication_types, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		article.ID,
		article.AccessionID,
		nullString(article.DOI),
		article.Title,
		article.Abstract,
		nonNilStrings(article.Authors),
		year,
		article.Journal,
		string(article.Source),
		article.StatsScore,
		statsJSON,
		nonNilStrings(article.PublicationTypes),
		rawPayload,
	).Scan(&article.CreatedAt, &article.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("article", articleKey(article))
		}
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// MergeIdentity unions pubTypes into the stored set and backfills a missing accession id.
func (r *PgArticleRepository) MergeIdentity(ctx context.Context, id uuid.UUID, pubTypes []string, accessionID *int64) error {
	query := `
		UPDATE articles
		SET publication_types = ARRAY(
				SELECT DISTINCT t FROM unnest(publication_types || $2::text[]) AS t ORDER BY t
			),
			accession_id = COALESCE(accession_id, $3),
			updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, nonNilStrings(pubTypes), accessionID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("article", fmt.Sprintf("accession:%d", derefInt64(accessionID)))
		}
		return fmt.Errorf("merge article identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("article", id.String())
	}
	return nil
}

// FillIdentifiers sets accession id and DOI where they are NULL.
func (r *PgArticleRepository) FillIdentifiers(ctx context.Context, id uuid.UUID, accessionID *int64, doi string) error {
	query := `
		UPDATE articles
		SET accession_id = COALESCE(accession_id, $2),
			doi = COALESCE(doi, $3),
			updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, accessionID, nullString(doi))
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("article", id.String())
		}
		return fmt.Errorf("fill article identifiers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("article", id.String())
	}
	return nil
}

// UpdateTranslation stores translated title and abstract.
func (r *PgArticleRepository) UpdateTranslation(ctx context.Context, id uuid.UUID, title, abstract string) error {
	query := `
		UPDATE articles
		SET title_translated = $2, abstract_translated = $3, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, nullString(title), nullString(abstract))
	if err != nil {
		return fmt.Errorf("update article translation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("article", id.String())
	}
	return nil
}

// UpdateStats replaces the statistics signal.
func (r *PgArticleRepository) UpdateStats(ctx context.Context, id uuid.UUID, signal *domain.StatsSignal) error {
	if signal == nil {
		return domain.NewValidationError("stats", "signal cannot be nil")
	}
	statsJSON, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal stats signal: %w", err)
	}

	query := `
		UPDATE articles
		SET stats_score = $2, stats = $3, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, signal.Score, statsJSON)
	if err != nil {
		return fmt.Errorf("update article stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("article", id.String())
	}
	return nil
}

const expandableWhere = `
	FROM project_articles pa
	JOIN articles a ON a.id = pa.article_id
	WHERE pa.project_id = $1
		AND pa.status <> 'deleted'
		AND a.accession_id IS NOT NULL
		AND (cardinality($2::text[]) = 0 OR pa.status = ANY($2::text[]))
		AND (cardinality($3::uuid[]) = 0 OR a.id = ANY($3::uuid[]))`

// CountExpandable counts the articles a graph-expansion job would visit.
func (r *PgArticleRepository) CountExpandable(ctx context.Context, filter ExpandableFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*)`+expandableWhere,
		filter.ProjectID, statusStrings(filter.Statuses), nonNilUUIDs(filter.ArticleIDs),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expandable articles: %w", err)
	}
	return n, nil
}

// ListExpandable pages through expandable articles by id.
func (r *PgArticleRepository) ListExpandable(ctx context.Context, filter ExpandableFilter, after uuid.UUID, limit int) ([]ExpandableArticle, error) {
	query := `SELECT a.id, a.accession_id` + expandableWhere + `
		AND a.id > $4
		ORDER BY a.id
		LIMIT $5`

	rows, err := r.db.Query(ctx, query,
		filter.ProjectID, statusStrings(filter.Statuses), nonNilUUIDs(filter.ArticleIDs),
		after, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list expandable articles: %w", err)
	}
	defer rows.Close()

	var out []ExpandableArticle
	for rows.Next() {
		var ea ExpandableArticle
		if err := rows.Scan(&ea.ID, &ea.AccessionID); err != nil {
			return nil, fmt.Errorf("scan expandable article: %w", err)
		}
		out = append(out, ea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expandable articles: %w", err)
	}
	return out, nil
}

// SetNeighbors writes neighbor arrays for several articles as one batch.
func (r *PgArticleRepository) SetNeighbors(ctx context.Context, updates []NeighborUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	query := `
		UPDATE articles
		SET reference_ids = $2, cited_by_ids = $3, neighbors_at = $4, updated_at = NOW()
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, u := range updates {
		fetchedAt := u.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		batch.Queue(query, u.ArticleID, nonNilInt64s(u.ReferenceIDs), nonNilInt64s(u.CitedByIDs), fetchedAt)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, u := range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("set neighbors for article %s: %w", u.ArticleID, err)
		}
	}
	return nil
}

// MissingNeighborIDs returns neighbor accession ids without a stored article.
func (r *PgArticleRepository) MissingNeighborIDs(ctx context.Context, projectID uuid.UUID, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		WITH neighbors AS (
			SELECT DISTINCT unnest(a.reference_ids || a.cited_by_ids) AS accession_id
			FROM project_articles pa
			JOIN articles a ON a.id = pa.article_id
			WHERE pa.project_id = $1 AND pa.status <> 'deleted'
		)
		SELECT n.accession_id
		FROM neighbors n
		WHERE NOT EXISTS (SELECT 1 FROM articles x WHERE x.accession_id = n.accession_id)
		ORDER BY n.accession_id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing neighbor ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan neighbor id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbor ids: %w", err)
	}
	return ids, nil
}

// articleScanDest holds scan targets for one articles row.
type articleScanDest struct {
	article            domain.Article
	doi                *string
	year               *int
	statsJSON          []byte
	rawPayload         []byte
	titleTranslated    *string
	abstractTranslated *string
}

func (d *articleScanDest) destinations() []any {
	return []any{
		&d.article.ID, &d.article.AccessionID, &d.doi, &d.article.Title, &d.article.Abstract,
		&d.article.Authors, &d.year, &d.article.Journal, &d.article.Source,
		&d.article.StatsScore, &d.statsJSON, &d.article.PublicationTypes, &d.rawPayload,
		&d.article.ReferenceIDs, &d.article.CitedByIDs, &d.article.NeighborsAt,
		&d.titleTranslated, &d.abstractTranslated, &d.article.CreatedAt, &d.article.UpdatedAt,
	}
}

func (d *articleScanDest) finalize() (*domain.Article, error) {
	d.article.DOI = derefString(d.doi)
	d.article.TitleTranslated = derefString(d.titleTranslated)
	d.article.AbstractTranslated = derefString(d.abstractTranslated)
	if d.year != nil {
		d.article.Year = *d.year
	}
	if len(d.rawPayload) > 0 {
		d.article.RawPayload = json.RawMessage(d.rawPayload)
	}
	if len(d.statsJSON) > 0 {
		var signal domain.StatsSignal
		if err := json.Unmarshal(d.statsJSON, &signal); err != nil {
			return nil, fmt.Errorf("unmarshal stats signal: %w", err)
		}
		d.article.Stats = &signal
	}
	return &d.article, nil
}

func scanArticle(row pgx.Row) (*domain.Article, error) {
	var dest articleScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

func articleKey(a *domain.Article) string {
	if a.AccessionID != nil {
		return "accession:" + strconv.FormatInt(*a.AccessionID, 10)
	}
	if a.DOI != "" {
		return "doi:" + a.DOI
	}
	return a.ID.String()
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInt64s(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

func nonNilUUIDs(s []uuid.UUID) []uuid.UUID {
	if s == nil {
		return []uuid.UUID{}
	}
	return s
}

func statusStrings(statuses []domain.ProjectArticleStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
