package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// JobRepository persists background jobs. Every status write names its legal source
// statuses, so a terminal job is never modified.
type JobRepository interface {
	// CreateIfNoneActive inserts job as pending unless the project already has an active
	// job of the same kind. It reports whether the row was inserted.
	CreateIfNoneActive(ctx context.Context, job *domain.Job) (bool, error)

	// Get returns the job with the given id.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// GetActive returns the pending or running job for (project, kind).
	GetActive(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error)

	// GetLatest returns the most recently created job for (project, kind).
	GetLatest(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error)

	// Transition moves a job to status to. Returns domain.ErrInvalidTransition when the
	// job is missing or not in a legal source status.
	Transition(ctx context.Context, id uuid.UUID, to domain.JobStatus, upd TransitionUpdate) (*domain.Job, error)

	// CancelActive cancels the active job for (project, kind).
	// Returns domain.ErrNotFound when there is none.
	CancelActive(ctx context.Context, projectID uuid.UUID, kind domain.JobKind, reason domain.CancelReason, message string) (*domain.Job, error)

	// CancelIfStalled cancels a running job whose last progress is older than cutoff.
	// It returns the updated job, or nil when the guard did not match.
	CancelIfStalled(ctx context.Context, id uuid.UUID, cutoff time.Time, message string) (*domain.Job, error)

	// UpdateProgress applies p to a running job and stamps last_progress_at.
	// It reports false when the job is no longer running.
	UpdateProgress(ctx context.Context, id uuid.UUID, p ProgressUpdate) (bool, error)
}

// TransitionUpdate carries the optional fields written with a status change.
type TransitionUpdate struct {
	Message      string
	ErrorMessage string
	CancelReason domain.CancelReason
}

// ProgressUpdate is a progress write. Nil pointers leave the column unchanged and
// deltas are added to the stored counters.
type ProgressUpdate struct {
	Total          *int
	Message        *string
	ProcessedDelta int
	ErrorDelta     int
	NeighborTotal  *int
	NeighborDelta  int
}
