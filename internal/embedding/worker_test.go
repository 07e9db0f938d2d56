package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/qdrant"
	"github.com/helixir/literature-pipeline/internal/repository"
)

type fakeEmbedder struct {
	mu         sync.Mutex
	configured bool
	calls      []string
	failOn     map[string]error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	if err := e.failOn[text]; err != nil {
		return nil, err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (e *fakeEmbedder) Model() string {
	return "test-model"
}

func (e *fakeEmbedder) Configured() bool {
	return e.configured
}

type fakeStore struct {
	missing   []*domain.Article
	filter    repository.MissingEmbeddingFilter
	upserted  map[uuid.UUID]*domain.ArticleEmbedding
	upsertErr error
}

func (s *fakeStore) ListMissing(_ context.Context, f repository.MissingEmbeddingFilter) ([]*domain.Article, error) {
	s.filter = f
	if len(s.missing) > f.Limit {
		return s.missing[:f.Limit], nil
	}
	return s.missing, nil
}

func (s *fakeStore) Upsert(_ context.Context, e *domain.ArticleEmbedding) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.upserted == nil {
		s.upserted = map[uuid.UUID]*domain.ArticleEmbedding{}
	}
	s.upserted[e.ArticleID] = e
	return nil
}

type fakeIndex struct {
	points []qdrant.ArticlePoint
	err    error
}

func (f *fakeIndex) EnsureCollection(context.Context) error {
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, p qdrant.ArticlePoint) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p)
	return nil
}

func (f *fakeIndex) Similar(context.Context, qdrant.SimilarQuery) ([]qdrant.Match, error) {
	return nil, nil
}

func (f *fakeIndex) Close() error {
	return nil
}

type recordingProgress struct {
	total       int
	phase       string
	processed   int
	errors      int
	checkpoints int
	cancelAfter int
}

func (p *recordingProgress) SetTotal(_ context.Context, total int) error {
	p.total = total
	return nil
}

func (p *recordingProgress) SetPhase(_ context.Context, phase string) error {
	p.phase = phase
	return nil
}

func (p *recordingProgress) Advance(_ context.Context, processed, errs int) error {
	p.processed += processed
	p.errors += errs
	return nil
}

func (p *recordingProgress) SetNeighborTotal(context.Context, int) error {
	return nil
}

func (p *recordingProgress) AdvanceNeighbors(context.Context, int) error {
	return nil
}

func (p *recordingProgress) Checkpoint(context.Context) error {
	p.checkpoints++
	if p.cancelAfter > 0 && p.checkpoints > p.cancelAfter {
		return domain.ErrCancelled
	}
	return nil
}

func article(title, abstract string) *domain.Article {
	return &domain.Article{ID: uuid.New(), Title: title, Abstract: abstract}
}

func embeddingJob(t *testing.T, p Payload) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Job{ID: uuid.New(), ProjectID: uuid.New(), Kind: domain.JobKindEmbedding, Payload: raw}
}

type sleepRecorder struct{ calls []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestWorker_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("embeds, stores and indexes", func(t *testing.T) {
		store := &fakeStore{missing: []*domain.Article{
			article("Sepsis", "Children"),
			article("Only title", ""),
			article("", ""),
		}}
		embedder := &fakeEmbedder{configured: true}
		index := &fakeIndex{}
		w := NewWorker(Config{MaxPerJob: 10}, embedder, NewMemoryCache(16, 0), store, index, nil, zerolog.Nop())
		progress := &recordingProgress{}

		job := embeddingJob(t, Payload{IncludeReferences: true})
		require.NoError(t, w.Handle(ctx, job, progress))

		assert.Equal(t, 3, progress.total)
		assert.Equal(t, 3, progress.processed)
		assert.Equal(t, 1, progress.errors)
		assert.Equal(t, domain.PhaseEmbedding, progress.phase)

		assert.Equal(t, job.ProjectID, store.filter.ProjectID)
		assert.Equal(t, "test-model", store.filter.Model)
		assert.True(t, store.filter.IncludeReferences)
		assert.False(t, store.filter.IncludeCitations)
		assert.Equal(t, 10, store.filter.Limit)

		assert.Equal(t, []string{"Sepsis\n\nChildren", "Only title"}, embedder.calls)
		require.Len(t, store.upserted, 2)
		stored := store.upserted[store.missing[0].ID]
		require.NotNil(t, stored)
		assert.Equal(t, "test-model", stored.Model)
		assert.Equal(t, 2, stored.Dimensions)

		require.Len(t, index.points, 2)
		assert.Equal(t, store.missing[0].ID, index.points[0].ArticleID)
	})

	t.Run("cache avoids repeated API calls", func(t *testing.T) {
		store := &fakeStore{missing: []*domain.Article{article("Same", "text"), article("Same", "text")}}
		embedder := &fakeEmbedder{configured: true}
		w := NewWorker(Config{}, embedder, NewMemoryCache(16, time.Hour), store, nil, nil, zerolog.Nop())

		require.NoError(t, w.Handle(ctx, embeddingJob(t, Payload{}), &recordingProgress{}))
		assert.Len(t, embedder.calls, 1)
		assert.Len(t, store.upserted, 2)
	})

	t.Run("caps the missing set", func(t *testing.T) {
		store := &fakeStore{}
		for i := 0; i < 5; i++ {
			store.missing = append(store.missing, article("t", string(rune('a'+i))))
		}
		progress := &recordingProgress{}
		w := NewWorker(Config{MaxPerJob: 3}, &fakeEmbedder{configured: true}, nil, store, nil, nil, zerolog.Nop())

		require.NoError(t, w.Handle(ctx, embeddingJob(t, Payload{}), progress))
		assert.Equal(t, 3, progress.total)
		assert.Len(t, store.upserted, 3)
	})

	t.Run("pauses and checks for cancellation every N items", func(t *testing.T) {
		store := &fakeStore{}
		for i := 0; i < 5; i++ {
			store.missing = append(store.missing, article("t", string(rune('a'+i))))
		}
		sleeper := &sleepRecorder{}
		progress := &recordingProgress{}
		w := NewWorker(Config{DelayEvery: 2, Delay: time.Second}, &fakeEmbedder{configured: true}, nil, store, nil, nil, zerolog.Nop())
		w.sleep = sleeper.sleep

		require.NoError(t, w.Handle(ctx, embeddingJob(t, Payload{}), progress))
		assert.Equal(t, 3, progress.checkpoints)
		assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.calls)
	})

	t.Run("stops when cancelled", func(t *testing.T) {
		store := &fakeStore{}
		for i := 0; i < 6; i++ {
			store.missing = append(store.missing, article("t", string(rune('a'+i))))
		}
		progress := &recordingProgress{cancelAfter: 1}
		w := NewWorker(Config{DelayEvery: 2}, &fakeEmbedder{configured: true}, nil, store, nil, nil, zerolog.Nop())

		err := w.Handle(ctx, embeddingJob(t, Payload{}), progress)
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.Equal(t, 2, progress.processed)
	})

	t.Run("item failures continue", func(t *testing.T) {
		store := &fakeStore{missing: []*domain.Article{article("bad", ""), article("good", "")}}
		embedder := &fakeEmbedder{configured: true, failOn: map[string]error{"bad": errors.New("500")}}
		index := &fakeIndex{err: errors.New("qdrant down")}
		progress := &recordingProgress{}
		w := NewWorker(Config{}, embedder, nil, store, index, nil, zerolog.Nop())

		require.NoError(t, w.Handle(ctx, embeddingJob(t, Payload{}), progress))
		assert.Equal(t, 2, progress.processed)
		assert.Equal(t, 1, progress.errors)
		assert.Len(t, store.upserted, 1)
	})

	t.Run("credential errors fail the job", func(t *testing.T) {
		store := &fakeStore{missing: []*domain.Article{article("a", ""), article("b", "")}}
		embedder := &fakeEmbedder{configured: true, failOn: map[string]error{"a": domain.ErrNotConfigured}}
		w := NewWorker(Config{}, embedder, nil, store, nil, nil, zerolog.Nop())

		err := w.Handle(ctx, embeddingJob(t, Payload{}), &recordingProgress{})
		assert.ErrorIs(t, err, domain.ErrNotConfigured)
		assert.Len(t, embedder.calls, 1)
	})

	t.Run("unconfigured provider", func(t *testing.T) {
		w := NewWorker(Config{}, &fakeEmbedder{}, nil, &fakeStore{}, nil, nil, zerolog.Nop())
		err := w.Handle(ctx, embeddingJob(t, Payload{}), &recordingProgress{})
		assert.ErrorIs(t, err, domain.ErrNotConfigured)
	})
}
