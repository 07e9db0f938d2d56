package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

func runningJob(t *testing.T, store *memJobs, kind domain.JobKind) (*Engine, *domain.Job) {
	t.Helper()
	engine := NewEngine(store, NewMemoryQueue(4), 0, testMetrics, zerolog.Nop())
	job, _, err := engine.Create(context.Background(), CreateParams{ProjectID: uuid.New(), Kind: kind})
	require.NoError(t, err)
	job, err = engine.Claim(context.Background(), job.ID)
	require.NoError(t, err)
	return engine, job
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("writes progress", func(t *testing.T) {
		store := newMemJobs()
		engine, job := runningJob(t, store, domain.JobKindGraphExpansion)
		tracker := engine.Tracker(job)

		require.NoError(t, tracker.SetTotal(ctx, 4))
		require.NoError(t, tracker.SetPhase(ctx, domain.PhaseFetchingReferences))
		require.NoError(t, tracker.Advance(ctx, 3, 1))
		require.NoError(t, tracker.SetNeighborTotal(ctx, 10))
		require.NoError(t, tracker.AdvanceNeighbors(ctx, 5))
		require.NoError(t, tracker.Checkpoint(ctx))

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, got.TotalUnits)
		assert.Equal(t, domain.PhaseFetchingReferences, got.Message)
		assert.Equal(t, 3, got.ProcessedUnits)
		assert.Equal(t, 1, got.ErrorCount)
		assert.Equal(t, 10, got.NeighborTotal)
		assert.Equal(t, 5, got.NeighborFetched)
		assert.Equal(t, 62.5, got.Progress())
	})

	t.Run("negative totals clamp to zero", func(t *testing.T) {
		store := newMemJobs()
		engine, job := runningJob(t, store, domain.JobKindEmbedding)
		require.NoError(t, engine.Tracker(job).SetTotal(ctx, -3))

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Zero(t, got.TotalUnits)
	})

	t.Run("cancelled job stops writes", func(t *testing.T) {
		store := newMemJobs()
		engine, job := runningJob(t, store, domain.JobKindEmbedding)
		_, err := engine.Cancel(ctx, job.ProjectID, job.Kind)
		require.NoError(t, err)

		tracker := engine.Tracker(job)
		assert.ErrorIs(t, tracker.Advance(ctx, 1, 0), domain.ErrCancelled)
		assert.ErrorIs(t, tracker.Checkpoint(ctx), domain.ErrCancelled)

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Zero(t, got.ProcessedUnits)
	})

	t.Run("done context counts as cancellation", func(t *testing.T) {
		store := newMemJobs()
		engine, job := runningJob(t, store, domain.JobKindEmbedding)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := engine.Tracker(job).Advance(cctx, 1, 0)
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("store errors are not cancellation", func(t *testing.T) {
		store := newMemJobs()
		engine, job := runningJob(t, store, domain.JobKindEmbedding)
		store.progressErr = errors.New("connection reset")

		err := engine.Tracker(job).Advance(ctx, 1, 0)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrCancelled)
	})
}
