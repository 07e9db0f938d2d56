//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/domain"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runWithPostgres(m))
}

func runWithPostgres(m *testing.M) int {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("literature_pipeline"),
		postgres.WithUsername("litpipe"),
		postgres.WithPassword("litpipe"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			fmt.Fprintf(os.Stderr, "terminate postgres container: %v\n", err)
		}
	}()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}

	migrator, err := database.NewMigrator(dsn, "../../migrations", zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "create migrator: %v\n", err)
		return 1
	}
	if err := migrator.Up(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	_ = migrator.Close()

	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`TRUNCATE TABLE article_embeddings, project_articles, jobs, articles CASCADE`)
	require.NoError(t, err)
}

func TestArticleRepository_Integration(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := NewPgArticleRepository(testPool)

	a := &domain.Article{
		AccessionID:      int64Ptr(1001),
		DOI:              "10.1000/alpha",
		Title:            "Alpha",
		Source:           domain.SourceTypePubMed,
		PublicationTypes: []string{"Review"},
	}
	require.NoError(t, repo.Create(ctx, a))

	t.Run("duplicate doi is rejected", func(t *testing.T) {
		dup := &domain.Article{DOI: "10.1000/alpha", Title: "Alpha again", Source: domain.SourceTypeOpenAlex}
		assert.ErrorIs(t, repo.Create(ctx, dup), domain.ErrAlreadyExists)
	})

	t.Run("merge unions publication types", func(t *testing.T) {
		require.NoError(t, repo.MergeIdentity(ctx, a.ID, []string{"Meta-Analysis", "Review"}, nil))
		got, err := repo.FindByDOI(ctx, "10.1000/alpha")
		require.NoError(t, err)
		assert.Equal(t, []string{"Meta-Analysis", "Review"}, got.PublicationTypes)
		assert.Equal(t, int64(1001), *got.AccessionID)
	})

	t.Run("merge backfills missing accession id", func(t *testing.T) {
		b := &domain.Article{DOI: "10.1000/beta", Title: "Beta", Source: domain.SourceTypeOpenAlex}
		require.NoError(t, repo.Create(ctx, b))
		require.NoError(t, repo.MergeIdentity(ctx, b.ID, nil, int64Ptr(2002)))

		got, err := repo.FindByAccessionID(ctx, 2002)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})

	t.Run("missing neighbors exclude stored articles", func(t *testing.T) {
		projectID := uuid.New()
		_, err := NewPgProjectArticleRepository(testPool).Add(ctx, &domain.ProjectArticle{
			ProjectID: projectID, ArticleID: a.ID, AddedBy: "it",
		})
		require.NoError(t, err)
		require.NoError(t, repo.SetNeighbors(ctx, []NeighborUpdate{
			{ArticleID: a.ID, ReferenceIDs: []int64{2002, 3003}, CitedByIDs: []int64{4004, 3003}},
		}))

		ids, err := repo.MissingNeighborIDs(ctx, projectID, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{3003, 4004}, ids)

		n, err := repo.CountExpandable(ctx, ExpandableFilter{ProjectID: projectID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestJobRepository_Integration(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := NewPgJobRepository(testPool)
	projectID := uuid.New()

	first := &domain.Job{ProjectID: projectID, Kind: domain.JobKindEmbedding, TotalUnits: 3}
	created, err := repo.CreateIfNoneActive(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	t.Run("single flight", func(t *testing.T) {
		created, err := repo.CreateIfNoneActive(ctx, &domain.Job{ProjectID: projectID, Kind: domain.JobKindEmbedding})
		require.NoError(t, err)
		assert.False(t, created)

		other, err := repo.CreateIfNoneActive(ctx, &domain.Job{ProjectID: projectID, Kind: domain.JobKindGraphExpansion})
		require.NoError(t, err)
		assert.True(t, other)
	})

	t.Run("claim then progress", func(t *testing.T) {
		job, err := repo.Transition(ctx, first.ID, domain.JobStatusRunning, TransitionUpdate{})
		require.NoError(t, err)
		require.NotNil(t, job.StartedAt)

		ok, err := repo.UpdateProgress(ctx, first.ID, ProgressUpdate{ProcessedDelta: 2, ErrorDelta: 1})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProcessedUnits)
		assert.Equal(t, 1, got.ErrorCount)
		assert.False(t, got.LastProgressAt.Before(*job.LastProgressAt))
	})

	t.Run("stall cancel then no further writes", func(t *testing.T) {
		stalled, err := repo.CancelIfStalled(ctx, first.ID, time.Now().Add(time.Hour), "stalled")
		require.NoError(t, err)
		require.NotNil(t, stalled)
		assert.Equal(t, domain.JobStatusCancelled, stalled.Status)

		again, err := repo.CancelIfStalled(ctx, first.ID, time.Now().Add(time.Hour), "stalled")
		require.NoError(t, err)
		assert.Nil(t, again)

		_, err = repo.Transition(ctx, first.ID, domain.JobStatusCompleted, TransitionUpdate{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		ok, err := repo.UpdateProgress(ctx, first.ID, ProgressUpdate{ProcessedDelta: 1})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("new job allowed after terminal", func(t *testing.T) {
		created, err := repo.CreateIfNoneActive(ctx, &domain.Job{ProjectID: projectID, Kind: domain.JobKindEmbedding})
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestEmbeddingRepository_Integration(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	articles := NewPgArticleRepository(testPool)
	members := NewPgProjectArticleRepository(testPool)
	embeddings := NewPgEmbeddingRepository(testPool)
	projectID := uuid.New()

	member := &domain.Article{AccessionID: int64Ptr(1), Title: "Member", Abstract: "text", Source: domain.SourceTypePubMed}
	ref := &domain.Article{AccessionID: int64Ptr(2), Title: "Reference", Source: domain.SourceTypePubMed}
	blank := &domain.Article{AccessionID: int64Ptr(3), Title: "  ", Source: domain.SourceTypePubMed}
	require.NoError(t, articles.Create(ctx, member))
	require.NoError(t, articles.Create(ctx, ref))
	require.NoError(t, articles.Create(ctx, blank))
	_, err := members.Add(ctx, &domain.ProjectArticle{ProjectID: projectID, ArticleID: member.ID})
	require.NoError(t, err)
	// Nothing to embed: never part of the missing set.
	_, err = members.Add(ctx, &domain.ProjectArticle{ProjectID: projectID, ArticleID: blank.ID})
	require.NoError(t, err)
	require.NoError(t, articles.SetNeighbors(ctx, []NeighborUpdate{{ArticleID: member.ID, ReferenceIDs: []int64{2}}}))

	filter := MissingEmbeddingFilter{ProjectID: projectID, Model: "m", Limit: 10}
	n, err := embeddings.CountMissing(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	filter.IncludeReferences = true
	n, err = embeddings.CountMissing(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, embeddings.Upsert(ctx, &domain.ArticleEmbedding{ArticleID: member.ID, Model: "m", Vector: []float32{1, 0}}))
	missing, err := embeddings.ListMissing(ctx, filter)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, ref.ID, missing[0].ID)

	// A different model does not count as embedded.
	filter.Model = "other"
	n, err = embeddings.CountMissing(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
