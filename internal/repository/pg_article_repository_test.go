package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

var articleColumnNames = []string{
	"id", "accession_id", "doi", "title", "abstract", "authors", "year", "journal", "source",
	"stats_score", "stats", "publication_types", "raw_payload",
	"reference_ids", "cited_by_ids", "neighbors_at",
	"title_translated", "abstract_translated", "created_at", "updated_at",
}

func int64Ptr(v int64) *int64 { return &v }

func newTestArticle() *domain.Article {
	now := time.Now().UTC()
	score := 0.75
	return &domain.Article{
		ID:               uuid.New(),
		AccessionID:      int64Ptr(31452104),
		DOI:              "10.1038/s41586-019-1234-5",
		Title:            "Randomized trial of early mobilisation",
		Abstract:         "We enrolled 412 patients (p < 0.01).",
		Authors:          []string{"Smith J", "Doe A"},
		Year:             2019,
		Journal:          "Nature",
		Source:           domain.SourceTypePubMed,
		StatsScore:       &score,
		Stats:            &domain.StatsSignal{Score: score, HasPValues: true, SampleSize: 412},
		PublicationTypes: []string{"Randomized Controlled Trial"},
		RawPayload:       json.RawMessage(`{"pmid":"31452104"}`),
		ReferenceIDs:     []int64{1, 2},
		CitedByIDs:       []int64{3},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func articleRowValues(a *domain.Article) []any {
	statsJSON, _ := json.Marshal(a.Stats)
	doi := a.DOI
	year := a.Year
	return []any{
		a.ID, a.AccessionID, &doi, a.Title, a.Abstract, a.Authors, &year, a.Journal, a.Source,
		a.StatsScore, statsJSON, a.PublicationTypes, []byte(a.RawPayload),
		a.ReferenceIDs, a.CitedByIDs, (*time.Time)(nil),
		(*string)(nil), (*string)(nil), a.CreatedAt, a.UpdatedAt,
	}
}

func TestNewPgArticleRepository(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgArticleRepository(mock)
	assert.NotNil(t, repo)
	assert.NotNil(t, repo.db)
}

func TestPgArticleRepository_FindByAccessionID(t *testing.T) {
	ctx := context.Background()

	t.Run("returns article when found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		article := newTestArticle()

		mock.ExpectQuery(`SELECT .* FROM articles WHERE accession_id = \$1`).
			WithArgs(*article.AccessionID).
			WillReturnRows(pgxmock.NewRows(articleColumnNames).AddRow(articleRowValues(article)...))

		got, err := repo.FindByAccessionID(ctx, *article.AccessionID)
		require.NoError(t, err)
		assert.Equal(t, article.ID, got.ID)
		assert.Equal(t, article.DOI, got.DOI)
		assert.Equal(t, 2019, got.Year)
		assert.Equal(t, []string{"Smith J", "Doe A"}, got.Authors)
		require.NotNil(t, got.Stats)
		assert.True(t, got.Stats.HasPValues)
		assert.Equal(t, 412, got.Stats.SampleSize)
		assert.JSONEq(t, `{"pmid":"31452104"}`, string(got.RawPayload))
		assert.Empty(t, got.TitleTranslated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps no rows to not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		mock.ExpectQuery(`SELECT .* FROM articles WHERE accession_id = \$1`).
			WithArgs(int64(42)).
			WillReturnError(pgx.ErrNoRows)

		got, err := repo.FindByAccessionID(ctx, 42)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "accession:42")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgArticleRepository_FindByDOI(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects empty doi", func(t *testing.T) {
		repo := NewPgArticleRepository(nil)
		_, err := repo.FindByDOI(ctx, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("wraps database errors", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		mock.ExpectQuery(`SELECT .* FROM articles WHERE doi = \$1`).
			WithArgs("10.1/x").
			WillReturnError(errors.New("connection reset"))

		_, err = repo.FindByDOI(ctx, "10.1/x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "find article by doi")
	})
}

func TestPgArticleRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts and fills timestamps", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		article := newTestArticle()
		article.ID = uuid.Nil
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		mock.ExpectQuery("INSERT INTO articles").
			WithArgs(
				pgxmock.AnyArg(), article.AccessionID, pgxmock.AnyArg(), article.Title, article.Abstract,
				article.Authors, pgxmock.AnyArg(), article.Journal, string(article.Source),
				article.StatsScore, pgxmock.AnyArg(), article.PublicationTypes, pgxmock.AnyArg(),
			).
			WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

		require.NoError(t, repo.Create(ctx, article))
		assert.NotEqual(t, uuid.Nil, article.ID)
		assert.Equal(t, created, article.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to already exists", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		article := newTestArticle()

		mock.ExpectQuery("INSERT INTO articles").
			WithArgs(
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "articles_doi_key"})

		err = repo.Create(ctx, article)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		assert.Contains(t, err.Error(), "accession:31452104")
	})

	t.Run("nil article", func(t *testing.T) {
		err := NewPgArticleRepository(nil).Create(ctx, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestPgArticleRepository_MergeIdentity(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("single update", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		acc := int64Ptr(99)
		mock.ExpectExec("UPDATE articles").
			WithArgs(id, []string{"Review"}, acc).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.MergeIdentity(ctx, id, []string{"Review"}, acc))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil pub types are sent as empty array", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		mock.ExpectExec("UPDATE articles").
			WithArgs(id, []string{}, (*int64)(nil)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.MergeIdentity(ctx, id, nil, nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgArticleRepository_FillIdentifiers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgArticleRepository(mock)
	id := uuid.New()
	mock.ExpectExec("UPDATE articles").
		WithArgs(id, int64Ptr(7), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = repo.FillIdentifiers(context.Background(), id, int64Ptr(7), "10.1/abc")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestPgArticleRepository_UpdateStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgArticleRepository(mock)
	id := uuid.New()
	signal := &domain.StatsSignal{Score: 0.5, HasCI: true}

	mock.ExpectExec("UPDATE articles").
		WithArgs(id, 0.5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateStats(context.Background(), id, signal))
	assert.ErrorIs(t, repo.UpdateStats(context.Background(), id, nil), domain.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgArticleRepository_Expandable(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	filter := ExpandableFilter{
		ProjectID: projectID,
		Statuses:  []domain.ProjectArticleStatus{domain.ProjectArticleStatusSelected},
	}

	t.Run("count", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		mock.ExpectQuery("SELECT count").
			WithArgs(projectID, []string{"selected"}, []uuid.UUID{}).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

		n, err := repo.CountExpandable(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list pages after cursor", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		a, b := uuid.New(), uuid.New()
		mock.ExpectQuery(`SELECT a.id, a.accession_id`).
			WithArgs(projectID, []string{"selected"}, []uuid.UUID{}, uuid.Nil, 20).
			WillReturnRows(pgxmock.NewRows([]string{"id", "accession_id"}).
				AddRow(a, int64(10)).
				AddRow(b, int64(11)))

		got, err := repo.ListExpandable(ctx, filter, uuid.Nil, 20)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ExpandableArticle{ID: a, AccessionID: 10}, got[0])
		assert.Equal(t, int64(11), got[1].AccessionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgArticleRepository_SetNeighbors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty is a no-op", func(t *testing.T) {
		assert.NoError(t, NewPgArticleRepository(nil).SetNeighbors(ctx, nil))
	})

	t.Run("writes one batch", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArticleRepository(mock)
		now := time.Now().UTC()
		updates := []NeighborUpdate{
			{ArticleID: uuid.New(), ReferenceIDs: []int64{1, 2}, CitedByIDs: nil, FetchedAt: now},
			{ArticleID: uuid.New(), ReferenceIDs: []int64{3}, CitedByIDs: []int64{4}, FetchedAt: now},
		}

		batch := mock.ExpectBatch()
		batch.ExpectExec("UPDATE articles").
			WithArgs(updates[0].ArticleID, []int64{1, 2}, []int64{}, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		batch.ExpectExec("UPDATE articles").
			WithArgs(updates[1].ArticleID, []int64{3}, []int64{4}, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.SetNeighbors(ctx, updates))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgArticleRepository_MissingNeighborIDs(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgArticleRepository(mock)
	mock.ExpectQuery("WITH neighbors AS").
		WithArgs(projectID, 50).
		WillReturnRows(pgxmock.NewRows([]string{"accession_id"}).AddRow(int64(5)).AddRow(int64(8)))

	ids, err := repo.MissingNeighborIDs(ctx, projectID, 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 8}, ids)

	ids, err = repo.MissingNeighborIDs(ctx, projectID, 0)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleScanDest(t *testing.T) {
	var dest articleScanDest
	assert.Len(t, dest.destinations(), len(articleColumnNames))

	dest.statsJSON = []byte(`{not json`)
	_, err := dest.finalize()
	assert.Error(t, err)
}
