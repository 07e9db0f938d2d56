// Package jobs runs the durable background jobs of the pipeline.
//
// A job is a row in the jobs table; the Engine owns its lifecycle
// (pending → running → completed | cancelled | failed) and every status write is
// guarded by the legal source statuses, so terminal jobs never change again. At most
// one job per (project, kind) is active at a time.
//
// Work reaches runners through a Queue. Handlers report progress through a Tracker,
// whose writes double as cancellation checkpoints: once the job is no longer running
// (cancelled by the user, or by a status read that found it stalled) the handler gets
// domain.ErrCancelled and stops.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// DefaultStallThreshold is how long a running job may go without progress.
const DefaultStallThreshold = 60 * time.Second

// CreateParams describes a job to create.
type CreateParams struct {
	ProjectID uuid.UUID
	Kind      domain.JobKind
	// Payload is marshalled to JSON unless it already is a json.RawMessage.
	Payload any
	// Total is the unit count known up front, usually from a dry-run count.
	Total int
}

// Status is the job status contract returned to pollers.
type Status struct {
	HasJob          bool                `json:"hasJob"`
	JobID           *uuid.UUID          `json:"jobId,omitempty"`
	Kind            domain.JobKind      `json:"kind"`
	Status          domain.JobStatus    `json:"status,omitempty"`
	Progress        float64             `json:"progress"`
	TotalUnits      int                 `json:"totalUnits"`
	ProcessedUnits  int                 `json:"processedUnits"`
	ErrorCount      int                 `json:"errorCount"`
	NeighborTotal   int                 `json:"neighborTotal,omitempty"`
	NeighborFetched int                 `json:"neighborFetched,omitempty"`
	ElapsedSeconds  int                 `json:"elapsedSeconds"`
	Message         string              `json:"message,omitempty"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	IsStalled       bool                `json:"isStalled"`
	CancelReason    domain.CancelReason `json:"cancelReason,omitempty"`
}

// Engine manages the job lifecycle. It is safe for concurrent use.
type Engine struct {
	store          repository.JobRepository
	queue          Queue
	stallThreshold time.Duration
	metrics        *observability.Metrics
	logger         zerolog.Logger
	now            func() time.Time
}

// NewEngine creates an Engine. A non-positive stallThreshold uses DefaultStallThreshold;
// metrics may be nil.
func NewEngine(store repository.JobRepository, queue Queue, stallThreshold time.Duration,
	metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	return &Engine{
		store:          store,
		queue:          queue,
		stallThreshold: stallThreshold,
		metrics:        metrics,
		logger:         logger.With().Str("component", "jobs").Logger(),
		now:            time.Now,
	}
}

// Create inserts a pending job and enqueues it. When the project already has an active
// job of the kind, that job is returned with created=false and nothing is enqueued.
// If the enqueue fails the new job is marked failed and the error is returned with it.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*domain.Job, bool, error) {
	return e.create(ctx, p, false)
}

func (e *Engine) create(ctx context.Context, p CreateParams, retried bool) (*domain.Job, bool, error) {
	if p.ProjectID == uuid.Nil {
		return nil, false, domain.NewValidationError("projectId", "project id is required")
	}
	if !p.Kind.IsValid() {
		return nil, false, domain.NewValidationError("kind", fmt.Sprintf("unknown job kind %q", p.Kind))
	}
	payload, err := marshalPayload(p.Payload)
	if err != nil {
		return nil, false, err
	}

	job := &domain.Job{
		ProjectID:  p.ProjectID,
		Kind:       p.Kind,
		Status:     domain.JobStatusPending,
		Payload:    payload,
		TotalUnits: max(p.Total, 0),
		Message:    "queued",
		CreatedAt:  e.now().UTC(),
	}
	created, err := e.store.CreateIfNoneActive(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		active, err := e.store.GetActive(ctx, p.ProjectID, p.Kind)
		if err != nil {
			// The active job finished between the insert and the read.
			if errors.Is(err, domain.ErrNotFound) && !retried {
				return e.create(ctx, p, true)
			}
			return nil, false, fmt.Errorf("get active job: %w", err)
		}
		e.recordCreated(p.Kind, false)
		return active, false, nil
	}
	e.recordCreated(p.Kind, true)

	logger := observability.WithJobContext(e.logger, job.ID.String(), p.ProjectID.String(), string(p.Kind))
	err = e.queue.Enqueue(ctx, Message{JobID: job.ID, ProjectID: job.ProjectID, Kind: job.Kind, Payload: job.Payload})
	if err != nil {
		logger.Error().Err(err).Msg("enqueue failed, failing job")
		failed, ferr := e.store.Transition(ctx, job.ID, domain.JobStatusFailed, repository.TransitionUpdate{
			ErrorMessage: "enqueue: " + err.Error(),
		})
		if ferr != nil {
			return job, true, fmt.Errorf("enqueue job: %w (marking failed: %v)", err, ferr)
		}
		e.recordFinished(failed)
		return failed, true, fmt.Errorf("enqueue job: %w: %w", domain.ErrServiceUnavailable, err)
	}

	logger.Info().Int("total", job.TotalUnits).Msg("job created")
	return job, true, nil
}

// Claim moves a pending job to running. Claiming a job that is not pending returns
// domain.ErrNotFound; the runner treats that as a duplicate delivery.
func (e *Engine) Claim(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := e.store.Transition(ctx, jobID, domain.JobStatusRunning, repository.TransitionUpdate{Message: "started"})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, domain.NewNotFoundError("pending job", jobID.String())
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Status returns the latest job of (project, kind). A running job without progress
// for longer than the stall threshold is cancelled as stalled by this read.
func (e *Engine) Status(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*Status, error) {
	if !kind.IsValid() {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("unknown job kind %q", kind))
	}

	job, err := e.store.GetLatest(ctx, projectID, kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &Status{HasJob: false, Kind: kind}, nil
		}
		return nil, fmt.Errorf("get latest job: %w", err)
	}

	now := e.now()
	if job.IsStalled(now, e.stallThreshold) {
		job, err = e.cancelStalled(ctx, job, now)
		if err != nil {
			return nil, err
		}
	}
	return e.toStatus(job, now), nil
}

func (e *Engine) cancelStalled(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	secs := int(math.Round(e.stallThreshold.Seconds()))
	message := fmt.Sprintf("Job stalled: no progress for %ds; it has been cancelled, start a new job to resume", secs)

	cancelled, err := e.store.CancelIfStalled(ctx, job.ID, now.Add(-e.stallThreshold), message)
	if err != nil {
		return nil, fmt.Errorf("cancel stalled job: %w", err)
	}
	if cancelled == nil {
		// Progress or another status change won the race; report the current row.
		current, err := e.store.Get(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		return current, nil
	}

	logger := observability.WithJobContext(e.logger, job.ID.String(), job.ProjectID.String(), string(job.Kind))
	logger.Warn().
		Int("processed", cancelled.ProcessedUnits).
		Int("total", cancelled.TotalUnits).
		Msg("job stalled, cancelled")
	e.recordFinished(cancelled)
	return cancelled, nil
}

// Cancel cancels the active job of (project, kind) on behalf of the user.
// Returns domain.ErrNotFound when there is no active job.
func (e *Engine) Cancel(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	if !kind.IsValid() {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("unknown job kind %q", kind))
	}
	job, err := e.store.CancelActive(ctx, projectID, kind, domain.CancelReasonUser, "Cancelled by user")
	if err != nil {
		return nil, err
	}
	logger := observability.WithJobContext(e.logger, job.ID.String(), projectID.String(), string(kind))
	logger.Info().Msg("job cancelled by user")
	e.recordFinished(job)
	return job, nil
}

// Complete marks a running job completed.
func (e *Engine) Complete(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := e.store.Transition(ctx, jobID, domain.JobStatusCompleted, repository.TransitionUpdate{Message: "completed"})
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	e.recordFinished(job)
	return job, nil
}

// Fail marks a pending or running job failed with cause as its error message.
func (e *Engine) Fail(ctx context.Context, jobID uuid.UUID, cause error) (*domain.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job, err := e.store.Transition(ctx, jobID, domain.JobStatusFailed, repository.TransitionUpdate{
		Message:      "failed",
		ErrorMessage: msg,
	})
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	e.recordFinished(job)
	return job, nil
}

// Tracker returns the progress tracker for a claimed job.
func (e *Engine) Tracker(job *domain.Job) *Tracker {
	return &Tracker{
		store:   e.store,
		jobID:   job.ID,
		kind:    job.Kind,
		metrics: e.metrics,
	}
}

func (e *Engine) toStatus(job *domain.Job, now time.Time) *Status {
	id := job.ID
	return &Status{
		HasJob:          true,
		JobID:           &id,
		Kind:            job.Kind,
		Status:          job.Status,
		Progress:        job.Progress(),
		TotalUnits:      job.TotalUnits,
		ProcessedUnits:  job.ProcessedUnits,
		ErrorCount:      job.ErrorCount,
		NeighborTotal:   job.NeighborTotal,
		NeighborFetched: job.NeighborFetched,
		ElapsedSeconds:  int(job.Elapsed(now).Seconds()),
		Message:         job.Message,
		ErrorMessage:    job.ErrorMessage,
		IsStalled:       job.CancelReason == domain.CancelReasonStalled,
		CancelReason:    job.CancelReason,
	}
}

func (e *Engine) recordCreated(kind domain.JobKind, created bool) {
	if e.metrics != nil {
		e.metrics.RecordJobCreated(string(kind), created)
	}
}

func (e *Engine) recordFinished(job *domain.Job) {
	if e.metrics == nil || job == nil {
		return
	}
	e.metrics.RecordJobFinished(string(job.Kind), string(job.Status), string(job.CancelReason),
		job.Elapsed(e.now()).Seconds())
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, domain.NewValidationError("payload", "payload is not valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		return data, nil
	}
}
