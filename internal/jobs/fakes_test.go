package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// testMetrics is registered once per test binary; promauto panics on duplicates.
var testMetrics = observability.NewMetrics("jobs_test")

// memJobs is an in-memory JobRepository with the same status guards as the
// Postgres implementation.
type memJobs struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*domain.Job
	order []uuid.UUID
	now   func() time.Time

	// getActiveMisses makes GetActive report not found this many times.
	getActiveMisses int
	progressErr     error
	transitionErr   error
}

var _ repository.JobRepository = (*memJobs)(nil)

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[uuid.UUID]*domain.Job), now: time.Now}
}

func (m *memJobs) CreateIfNoneActive(_ context.Context, job *domain.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ProjectID == job.ProjectID && j.Kind == job.Kind && j.Status.IsActive() {
			return false, nil
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.JobStatusPending
	cp := *job
	m.jobs[job.ID] = &cp
	m.order = append(m.order, job.ID)
	return true, nil
}

func (m *memJobs) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("job", id.String())
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) GetActive(_ context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getActiveMisses > 0 {
		m.getActiveMisses--
		return nil, domain.NewNotFoundError("active job", projectID.String())
	}
	for _, j := range m.jobs {
		if j.ProjectID == projectID && j.Kind == kind && j.Status.IsActive() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("active job", projectID.String())
}

func (m *memJobs) GetLatest(_ context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if j.ProjectID == projectID && j.Kind == kind {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("job", projectID.String())
}

func (m *memJobs) Transition(_ context.Context, id uuid.UUID, to domain.JobStatus, upd repository.TransitionUpdate) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	j, ok := m.jobs[id]
	if !ok || !domain.CanTransition(j.Status, to) {
		return nil, domain.ErrInvalidTransition
	}
	m.apply(j, to, upd)
	cp := *j
	return &cp, nil
}

func (m *memJobs) apply(j *domain.Job, to domain.JobStatus, upd repository.TransitionUpdate) {
	now := m.now()
	j.Status = to
	if upd.Message != "" {
		j.Message = upd.Message
	}
	if upd.ErrorMessage != "" {
		j.ErrorMessage = upd.ErrorMessage
	}
	if upd.CancelReason != "" {
		j.CancelReason = upd.CancelReason
	}
	if to == domain.JobStatusRunning {
		j.StartedAt = &now
		j.LastProgressAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
}

func (m *memJobs) CancelActive(_ context.Context, projectID uuid.UUID, kind domain.JobKind, reason domain.CancelReason, message string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ProjectID == projectID && j.Kind == kind && j.Status.IsActive() {
			m.apply(j, domain.JobStatusCancelled, repository.TransitionUpdate{Message: message, CancelReason: reason})
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("active job", projectID.String())
}

func (m *memJobs) CancelIfStalled(_ context.Context, id uuid.UUID, cutoff time.Time, message string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning || j.LastProgressAt == nil || !j.LastProgressAt.Before(cutoff) {
		return nil, nil
	}
	m.apply(j, domain.JobStatusCancelled, repository.TransitionUpdate{Message: message, CancelReason: domain.CancelReasonStalled})
	cp := *j
	return &cp, nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id uuid.UUID, p repository.ProgressUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progressErr != nil {
		return false, m.progressErr
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning {
		return false, nil
	}
	if p.Total != nil {
		j.TotalUnits = *p.Total
	}
	if p.Message != nil {
		j.Message = *p.Message
	}
	if p.NeighborTotal != nil {
		j.NeighborTotal = *p.NeighborTotal
	}
	j.ProcessedUnits += p.ProcessedDelta
	j.ErrorCount += p.ErrorDelta
	j.NeighborFetched += p.NeighborDelta
	now := m.now()
	j.LastProgressAt = &now
	return true, nil
}

// set mutates a stored job under the lock.
func (m *memJobs) set(id uuid.UUID, fn func(j *domain.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.jobs[id])
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// failingQueue rejects every enqueue.
type failingQueue struct{ err error }

func (q failingQueue) Enqueue(context.Context, Message) error {
	return q.err
}

func (q failingQueue) Dequeue(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (q failingQueue) Close() error {
	return nil
}
