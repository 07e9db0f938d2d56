package expansion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/identity"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/repository"
)

type fakeAPI struct {
	mu        sync.Mutex
	refs      map[int64][]int64
	cited     map[int64][]int64
	linkErr   map[int64]error
	fetchErr  error
	fetched   [][]int64
	linkCalls int
}

func (f *fakeAPI) Links(_ context.Context, id int64, link papersources.LinkType) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	if err := f.linkErr[id]; err != nil {
		return nil, err
	}
	if link == papersources.LinkReferences {
		return f.refs[id], nil
	}
	return f.cited[id], nil
}

func (f *fakeAPI) FetchByIDs(_ context.Context, ids []int64) ([]domain.SourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, append([]int64(nil), ids...))
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	records := make([]domain.SourceRecord, 0, len(ids))
	for _, id := range ids {
		pmid := id
		records = append(records, domain.SourceRecord{AccessionID: &pmid, Title: "neighbor", Source: domain.SourceTypePubMed})
	}
	return records, nil
}

type fakeStore struct {
	articles  []repository.ExpandableArticle
	known     map[int64]bool
	neighbors map[uuid.UUID]repository.NeighborUpdate
	filters   []repository.ExpandableFilter
	pages     int
}

func newFakeStore(accessionIDs ...int64) *fakeStore {
	s := &fakeStore{known: map[int64]bool{}, neighbors: map[uuid.UUID]repository.NeighborUpdate{}}
	for _, id := range accessionIDs {
		s.articles = append(s.articles, repository.ExpandableArticle{ID: uuid.New(), AccessionID: id})
		s.known[id] = true
	}
	sort.Slice(s.articles, func(i, j int) bool {
		return bytes.Compare(s.articles[i].ID[:], s.articles[j].ID[:]) < 0
	})
	return s
}

func (s *fakeStore) CountExpandable(_ context.Context, f repository.ExpandableFilter) (int, error) {
	s.filters = append(s.filters, f)
	return len(s.articles), nil
}

func (s *fakeStore) ListExpandable(_ context.Context, _ repository.ExpandableFilter, after uuid.UUID, limit int) ([]repository.ExpandableArticle, error) {
	s.pages++
	var out []repository.ExpandableArticle
	for _, a := range s.articles {
		if bytes.Compare(a.ID[:], after[:]) > 0 && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) SetNeighbors(_ context.Context, updates []repository.NeighborUpdate) error {
	for _, u := range updates {
		s.neighbors[u.ArticleID] = u
	}
	return nil
}

func (s *fakeStore) MissingNeighborIDs(_ context.Context, _ uuid.UUID, limit int) ([]int64, error) {
	seen := map[int64]bool{}
	var ids []int64
	for _, u := range s.neighbors {
		for _, id := range append(append([]int64(nil), u.ReferenceIDs...), u.CitedByIDs...) {
			if !s.known[id] && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	resolved []int64
	tags     [][]string
	failFor  map[int64]bool
}

func (r *fakeResolver) Resolve(_ context.Context, rec domain.SourceRecord, pubTypes []string) (*identity.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[*rec.AccessionID] {
		return nil, errors.New("insert failed")
	}
	r.resolved = append(r.resolved, *rec.AccessionID)
	r.tags = append(r.tags, pubTypes)
	return &identity.Resolution{ArticleID: uuid.New(), Created: true}, nil
}

// recordingProgress captures tracker calls.
type recordingProgress struct {
	total           int
	phases          []string
	processed       int
	errors          int
	neighborTotal   int
	neighborFetched int
	checkpoints     int
	cancelAfter     int
}

func (p *recordingProgress) SetTotal(_ context.Context, total int) error {
	p.total = total
	return nil
}

func (p *recordingProgress) SetPhase(_ context.Context, phase string) error {
	if len(p.phases) == 0 || p.phases[len(p.phases)-1] != phase {
		p.phases = append(p.phases, phase)
	}
	return nil
}

func (p *recordingProgress) Advance(_ context.Context, processed, errs int) error {
	p.processed += processed
	p.errors += errs
	return nil
}

func (p *recordingProgress) SetNeighborTotal(_ context.Context, total int) error {
	p.neighborTotal = total
	return nil
}

func (p *recordingProgress) AdvanceNeighbors(_ context.Context, fetched int) error {
	p.neighborFetched += fetched
	return nil
}

func (p *recordingProgress) Checkpoint(context.Context) error {
	p.checkpoints++
	if p.cancelAfter > 0 && p.checkpoints > p.cancelAfter {
		return domain.ErrCancelled
	}
	return nil
}

func newJob(t *testing.T, payload any) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.Job{ID: uuid.New(), ProjectID: uuid.New(), Kind: domain.JobKindGraphExpansion, Payload: raw}
}

func TestWorker_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("stores neighbors and resolves missing ones", func(t *testing.T) {
		store := newFakeStore(1, 2, 3)
		api := &fakeAPI{
			refs:  map[int64][]int64{1: {2, 10, 11}, 2: {11}},
			cited: map[int64][]int64{1: {12}, 3: {3}},
		}
		resolver := &fakeResolver{}
		w := NewWorker(Config{BatchSize: 2, FetchChunk: 2}, api, store, resolver, zerolog.Nop())
		progress := &recordingProgress{}

		job := newJob(t, Payload{Statuses: []domain.ProjectArticleStatus{domain.ProjectArticleStatusSelected}})
		require.NoError(t, w.Handle(ctx, job, progress))

		assert.Equal(t, 3, progress.total)
		assert.Equal(t, 3, progress.processed)
		assert.Zero(t, progress.errors)
		assert.Equal(t, 2, store.pages)
		assert.Equal(t, 4, progress.checkpoints)
		require.Len(t, store.neighbors, 3)
		for _, a := range store.articles {
			assert.NotNil(t, store.neighbors[a.ID].ReferenceIDs)
			assert.NotNil(t, store.neighbors[a.ID].CitedByIDs)
		}

		assert.Equal(t, []string{
			domain.PhaseFetchingReferences,
			domain.PhaseFetchingCitations,
			domain.PhaseFetchingReferences,
			domain.PhaseFetchingCitations,
			domain.PhaseFetchingMetadata,
		}, progress.phases)

		assert.Equal(t, 3, progress.neighborTotal)
		assert.Equal(t, 3, progress.neighborFetched)
		assert.Equal(t, [][]int64{{10, 11}, {12}}, api.fetched)
		assert.ElementsMatch(t, []int64{10, 11, 12}, resolver.resolved)
		for _, tags := range resolver.tags {
			assert.Empty(t, tags)
		}

		require.Len(t, store.filters, 1)
		assert.Equal(t, job.ProjectID, store.filters[0].ProjectID)
		assert.Equal(t, []domain.ProjectArticleStatus{domain.ProjectArticleStatusSelected}, store.filters[0].Statuses)
	})

	t.Run("single failures are counted and skipped", func(t *testing.T) {
		store := newFakeStore(1, 2)
		api := &fakeAPI{
			refs:    map[int64][]int64{1: {5}},
			linkErr: map[int64]error{2: errors.New("timeout")},
		}
		w := NewWorker(Config{}, api, store, &fakeResolver{}, zerolog.Nop())
		progress := &recordingProgress{}

		require.NoError(t, w.Handle(ctx, newJob(t, Payload{}), progress))
		assert.Equal(t, 2, progress.processed)
		assert.Equal(t, 1, progress.errors)
		assert.Len(t, store.neighbors, 1)
	})

	t.Run("every lookup failing fails the job", func(t *testing.T) {
		store := newFakeStore(1, 2)
		boom := errors.New("connection refused")
		api := &fakeAPI{linkErr: map[int64]error{1: boom, 2: boom}}
		w := NewWorker(Config{}, api, store, &fakeResolver{}, zerolog.Nop())

		err := w.Handle(ctx, newJob(t, Payload{}), &recordingProgress{})
		assert.ErrorIs(t, err, ErrNeighborAPIUnreachable)
		assert.Empty(t, api.fetched)
	})

	t.Run("no articles completes without lookups", func(t *testing.T) {
		api := &fakeAPI{}
		progress := &recordingProgress{}
		w := NewWorker(Config{}, api, newFakeStore(), &fakeResolver{}, zerolog.Nop())

		require.NoError(t, w.Handle(ctx, newJob(t, Payload{}), progress))
		assert.Zero(t, progress.total)
		assert.Zero(t, api.linkCalls)
		assert.Zero(t, progress.neighborTotal)
	})

	t.Run("max neighbors caps the metadata phase", func(t *testing.T) {
		store := newFakeStore(1)
		api := &fakeAPI{refs: map[int64][]int64{1: {20, 21, 22, 23}}}
		resolver := &fakeResolver{}
		w := NewWorker(Config{MaxNeighbors: 2}, api, store, resolver, zerolog.Nop())
		progress := &recordingProgress{}

		require.NoError(t, w.Handle(ctx, newJob(t, Payload{}), progress))
		assert.Equal(t, 2, progress.neighborTotal)
		assert.Equal(t, []int64{20, 21}, resolver.resolved)
	})

	t.Run("metadata failures count as errors", func(t *testing.T) {
		store := newFakeStore(1)
		api := &fakeAPI{refs: map[int64][]int64{1: {30, 31}}}
		resolver := &fakeResolver{failFor: map[int64]bool{31: true}}
		w := NewWorker(Config{}, api, store, resolver, zerolog.Nop())
		progress := &recordingProgress{}

		require.NoError(t, w.Handle(ctx, newJob(t, Payload{}), progress))
		assert.Equal(t, 1, progress.errors)
		assert.Equal(t, 2, progress.neighborFetched)

		api.fetchErr = errors.New("efetch down")
		store.known = map[int64]bool{1: true}
		progress = &recordingProgress{}
		require.NoError(t, w.Handle(ctx, newJob(t, Payload{}), progress))
		assert.Equal(t, 2, progress.errors)
		assert.Equal(t, 2, progress.neighborFetched)
	})

	t.Run("stops at a cancelled checkpoint", func(t *testing.T) {
		store := newFakeStore(1, 2, 3, 4)
		api := &fakeAPI{}
		w := NewWorker(Config{BatchSize: 1}, api, store, &fakeResolver{}, zerolog.Nop())
		progress := &recordingProgress{cancelAfter: 2}

		err := w.Handle(ctx, newJob(t, Payload{}), progress)
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.Equal(t, 2, progress.processed)
		assert.Len(t, store.neighbors, 2)
	})

	t.Run("invalid payload", func(t *testing.T) {
		w := NewWorker(Config{}, &fakeAPI{}, newFakeStore(), &fakeResolver{}, zerolog.Nop())
		job := newJob(t, map[string]any{"statuses": []string{"archived"}})
		err := w.Handle(ctx, job, &recordingProgress{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
