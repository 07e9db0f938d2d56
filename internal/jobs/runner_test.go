package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

type funcHandler struct {
	kind  domain.JobKind
	calls atomic.Int32
	fn    func(ctx context.Context, job *domain.Job, progress Progress) error
}

func (h *funcHandler) Kind() domain.JobKind {
	return h.kind
}

func (h *funcHandler) Handle(ctx context.Context, job *domain.Job, progress Progress) error {
	h.calls.Add(1)
	return h.fn(ctx, job, progress)
}

// startRunner runs r until the test ends.
func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})
}

func waitForStatus(t *testing.T, store *memJobs, id uuid.UUID, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func newTestRunner(store *memJobs, handlers ...Handler) (*Engine, *Runner) {
	queue := NewMemoryQueue(16)
	engine := NewEngine(store, queue, time.Minute, nil, zerolog.Nop())
	runner := NewRunner(engine, queue, 2, zerolog.Nop())
	for _, h := range handlers {
		runner.Register(h)
	}
	return engine, runner
}

func TestRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("completes a job", func(t *testing.T) {
		store := newMemJobs()
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(ctx context.Context, job *domain.Job, p Progress) error {
			if err := p.SetTotal(ctx, 2); err != nil {
				return err
			}
			return p.Advance(ctx, 2, 0)
		}}
		engine, runner := newTestRunner(store, handler)
		startRunner(t, runner)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindEmbedding})
		require.NoError(t, err)

		done := waitForStatus(t, store, job.ID, domain.JobStatusCompleted)
		assert.Equal(t, 2, done.ProcessedUnits)
		assert.Equal(t, "completed", done.Message)
		assert.Equal(t, int32(1), handler.calls.Load())
	})

	t.Run("handler error fails the job", func(t *testing.T) {
		store := newMemJobs()
		handler := &funcHandler{kind: domain.JobKindGraphExpansion, fn: func(context.Context, *domain.Job, Progress) error {
			return errors.New("neighbor API unreachable")
		}}
		engine, runner := newTestRunner(store, handler)
		startRunner(t, runner)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindGraphExpansion})
		require.NoError(t, err)

		failed := waitForStatus(t, store, job.ID, domain.JobStatusFailed)
		assert.Equal(t, "neighbor API unreachable", failed.ErrorMessage)
	})

	t.Run("panic fails the job", func(t *testing.T) {
		store := newMemJobs()
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(context.Context, *domain.Job, Progress) error {
			panic("boom")
		}}
		engine, runner := newTestRunner(store, handler)
		startRunner(t, runner)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindEmbedding})
		require.NoError(t, err)

		failed := waitForStatus(t, store, job.ID, domain.JobStatusFailed)
		assert.Equal(t, "handler panic: boom", failed.ErrorMessage)
	})

	t.Run("cancellation leaves the job cancelled", func(t *testing.T) {
		store := newMemJobs()
		started := make(chan struct{})
		release := make(chan struct{})
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(ctx context.Context, job *domain.Job, p Progress) error {
			close(started)
			<-release
			return p.Advance(ctx, 1, 0)
		}}
		engine, runner := newTestRunner(store, handler)
		startRunner(t, runner)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindEmbedding})
		require.NoError(t, err)

		<-started
		_, err = engine.Cancel(ctx, job.ProjectID, job.Kind)
		require.NoError(t, err)
		close(release)

		// Give the runner time to observe the handler result.
		time.Sleep(50 * time.Millisecond)
		got := waitForStatus(t, store, job.ID, domain.JobStatusCancelled)
		assert.Equal(t, domain.CancelReasonUser, got.CancelReason)
		assert.Zero(t, got.ProcessedUnits)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("unknown kind fails the job", func(t *testing.T) {
		store := newMemJobs()
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(context.Context, *domain.Job, Progress) error {
			return nil
		}}
		engine, runner := newTestRunner(store, handler)
		startRunner(t, runner)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindGraphExpansion})
		require.NoError(t, err)

		failed := waitForStatus(t, store, job.ID, domain.JobStatusFailed)
		assert.Contains(t, failed.ErrorMessage, "no handler registered")
		assert.Zero(t, handler.calls.Load())
	})

	t.Run("duplicate delivery runs once", func(t *testing.T) {
		store := newMemJobs()
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(context.Context, *domain.Job, Progress) error {
			return nil
		}}
		engine, runner := newTestRunner(store, handler)

		job, _, err := engine.Create(ctx, CreateParams{ProjectID: uuid.New(), Kind: domain.JobKindEmbedding})
		require.NoError(t, err)
		require.NoError(t, engine.queue.Enqueue(ctx, Message{JobID: job.ID, ProjectID: job.ProjectID, Kind: job.Kind}))
		startRunner(t, runner)

		waitForStatus(t, store, job.ID, domain.JobStatusCompleted)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), handler.calls.Load())
	})
}

func TestRunner_StopsOnClosedQueue(t *testing.T) {
	store := newMemJobs()
	_, runner := newTestRunner(store)
	require.NoError(t, runner.queue.Close())

	err := runner.Run(context.Background())
	assert.NoError(t, err)
}

// ackRecorder captures the job status each time a message is acknowledged.
type ackRecorder struct {
	mu       sync.Mutex
	statuses []domain.JobStatus
}

func (a *ackRecorder) message(store *memJobs, job *domain.Job) Message {
	return Message{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      job.Kind,
		ack: func(ctx context.Context) error {
			got, err := store.Get(ctx, job.ID)
			if err != nil {
				return err
			}
			a.mu.Lock()
			defer a.mu.Unlock()
			a.statuses = append(a.statuses, got.Status)
			return nil
		},
	}
}

func (a *ackRecorder) acked() []domain.JobStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.JobStatus(nil), a.statuses...)
}

func TestRunner_AcknowledgesAfterClaim(t *testing.T) {
	ctx := context.Background()
	newPendingJob := func(t *testing.T, store *memJobs) *domain.Job {
		t.Helper()
		job := &domain.Job{ProjectID: uuid.New(), Kind: domain.JobKindEmbedding}
		created, err := store.CreateIfNoneActive(ctx, job)
		require.NoError(t, err)
		require.True(t, created)
		return job
	}

	t.Run("claimed job", func(t *testing.T) {
		store := newMemJobs()
		release := make(chan struct{})
		handler := &funcHandler{kind: domain.JobKindEmbedding, fn: func(context.Context, *domain.Job, Progress) error {
			<-release
			return nil
		}}
		_, runner := newTestRunner(store, handler)
		job := newPendingJob(t, store)

		acks := &ackRecorder{}
		require.NoError(t, runner.queue.Enqueue(ctx, acks.message(store, job)))
		startRunner(t, runner)

		require.Eventually(t, func() bool { return len(acks.acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []domain.JobStatus{domain.JobStatusRunning}, acks.acked(), "acknowledged once claimed, before the handler returns")
		close(release)
		waitForStatus(t, store, job.ID, domain.JobStatusCompleted)
	})

	t.Run("job no longer pending", func(t *testing.T) {
		store := newMemJobs()
		_, runner := newTestRunner(store)
		job := newPendingJob(t, store)
		store.set(job.ID, func(j *domain.Job) { j.Status = domain.JobStatusCancelled })

		acks := &ackRecorder{}
		require.NoError(t, runner.queue.Enqueue(ctx, acks.message(store, job)))
		startRunner(t, runner)

		require.Eventually(t, func() bool { return len(acks.acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []domain.JobStatus{domain.JobStatusCancelled}, acks.acked())
	})

	t.Run("claim error leaves the message unacknowledged", func(t *testing.T) {
		store := newMemJobs()
		_, runner := newTestRunner(store)
		job := newPendingJob(t, store)
		store.transitionErr = errors.New("connection reset")

		acks := &ackRecorder{}
		require.NoError(t, runner.queue.Enqueue(ctx, acks.message(store, job)))
		startRunner(t, runner)

		queue := runner.queue.(*MemoryQueue)
		require.Eventually(t, func() bool { return queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, acks.acked())

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, got.Status)
	})
}

func TestMessage_AckWithoutTracking(t *testing.T) {
	assert.NoError(t, Message{JobID: uuid.New()}.Ack(context.Background()))
}
