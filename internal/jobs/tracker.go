package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// Progress is the progress surface handed to job handlers. Every call is also a
// cancellation checkpoint: it returns domain.ErrCancelled once the job is no longer running.
type Progress interface {
	SetTotal(ctx context.Context, total int) error
	SetPhase(ctx context.Context, phase string) error
	Advance(ctx context.Context, processed, errors int) error
	SetNeighborTotal(ctx context.Context, total int) error
	AdvanceNeighbors(ctx context.Context, fetched int) error
	Checkpoint(ctx context.Context) error
}

// Tracker writes progress for one running job.
type Tracker struct {
	store   repository.JobRepository
	jobID   uuid.UUID
	kind    domain.JobKind
	metrics *observability.Metrics
}

var _ Progress = (*Tracker)(nil)

// SetTotal replaces the unit total.
func (t *Tracker) SetTotal(ctx context.Context, total int) error {
	total = max(total, 0)
	return t.update(ctx, repository.ProgressUpdate{Total: &total})
}

// SetPhase records the current phase in the job message.
func (t *Tracker) SetPhase(ctx context.Context, phase string) error {
	return t.update(ctx, repository.ProgressUpdate{Message: &phase})
}

// Advance adds processed units and item errors.
func (t *Tracker) Advance(ctx context.Context, processed, errors int) error {
	if errors > 0 && t.metrics != nil {
		t.metrics.RecordJobItemErrors(string(t.kind), errors)
	}
	return t.update(ctx, repository.ProgressUpdate{ProcessedDelta: processed, ErrorDelta: errors})
}

// SetNeighborTotal sets the denominator of the neighbor-fetch ratio.
func (t *Tracker) SetNeighborTotal(ctx context.Context, total int) error {
	total = max(total, 0)
	return t.update(ctx, repository.ProgressUpdate{NeighborTotal: &total})
}

// AdvanceNeighbors adds fetched neighbor records.
func (t *Tracker) AdvanceNeighbors(ctx context.Context, fetched int) error {
	return t.update(ctx, repository.ProgressUpdate{NeighborDelta: fetched})
}

// Checkpoint reads the job and reports domain.ErrCancelled when it is no longer running.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	job, err := t.store.Get(ctx, t.jobID)
	if err != nil {
		return fmt.Errorf("checkpoint job %s: %w", t.jobID, err)
	}
	if job.Status != domain.JobStatusRunning {
		return fmt.Errorf("job %s is %s: %w", t.jobID, job.Status, domain.ErrCancelled)
	}
	return nil
}

func (t *Tracker) update(ctx context.Context, p repository.ProgressUpdate) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	running, err := t.store.UpdateProgress(ctx, t.jobID, p)
	if err != nil {
		return fmt.Errorf("update progress of job %s: %w", t.jobID, err)
	}
	if !running {
		return fmt.Errorf("job %s is no longer running: %w", t.jobID, domain.ErrCancelled)
	}
	return nil
}
