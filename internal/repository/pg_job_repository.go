package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

var _ JobRepository = (*PgJobRepository)(nil)

// PgJobRepository is the PostgreSQL JobRepository.
type PgJobRepository struct {
	db DBTX
}

// NewPgJobRepository creates a job store over db.
func NewPgJobRepository(db DBTX) *PgJobRepository {
	return &PgJobRepository{db: db}
}

const jobColumns = `
	id, project_id, kind, status, payload,
	total_units, processed_units, error_count, neighbor_total, neighbor_fetched,
	message, error_message, cancel_reason,
	last_progress_at, created_at, started_at, completed_at`

// CreateIfNoneActive is the single-flight insert. Losing a race against a concurrent
// insert surfaces as a unique violation on the partial index and is reported as false.
func (r *PgJobRepository) CreateIfNoneActive(ctx context.Context, job *domain.Job) (bool, error) {
	if job == nil {
		return false, domain.NewValidationError("job", "job cannot be nil")
	}
	if !job.Kind.IsValid() {
		return false, domain.NewValidationError("kind", fmt.Sprintf("unknown job kind %q", job.Kind))
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO jobs (id, project_id, kind, status, payload, total_units, message, created_at)
		SELECT $1, $2, $3, 'pending', $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE project_id = $2 AND kind = $3 AND status IN ('pending', 'running')
		)`

	tag, err := r.db.Exec(ctx, query,
		job.ID, job.ProjectID, string(job.Kind), payload, job.TotalUnits, job.Message, job.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	job.Status = domain.JobStatusPending
	return true, nil
}

// Get returns a job by id.
func (r *PgJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("job", id.String())
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetActive returns the pending or running job for (project, kind).
func (r *PgJobRepository) GetActive(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE project_id = $1 AND kind = $2 AND status IN ('pending', 'running')
		LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, projectID, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("active job", string(kind))
		}
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// GetLatest returns the newest job for (project, kind).
func (r *PgJobRepository) GetLatest(ctx context.Context, projectID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE project_id = $1 AND kind = $2
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, projectID, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("job", string(kind))
		}
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return job, nil
}

// Transition performs a guarded status change. Entering running stamps started_at and
// last_progress_at; entering a terminal status stamps completed_at.
func (r *PgJobRepository) Transition(ctx context.Context, id uuid.UUID, to domain.JobStatus, upd TransitionUpdate) (*domain.Job, error) {
	from := domain.SourcesFor(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no status leads to %s", domain.ErrInvalidTransition, to)
	}

	query := `
		UPDATE jobs
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
			last_progress_at = CASE WHEN $2 = 'running' THEN NOW() ELSE last_progress_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'cancelled', 'failed') THEN NOW() ELSE completed_at END,
			message = COALESCE($3, message),
			error_message = COALESCE($4, error_message),
			cancel_reason = COALESCE($5, cancel_reason)
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query,
		id, string(to),
		nullString(upd.Message), nullString(upd.ErrorMessage), nullString(string(upd.CancelReason)),
		jobStatusStrings(from),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s to %s", domain.ErrInvalidTransition, id, to)
		}
		return nil, fmt.Errorf("transition job: %w", err)
	}
	return job, nil
}

// CancelActive cancels the active job of (project, kind).
func (r *PgJobRepository) CancelActive(ctx context.Context, projectID uuid.UUID, kind domain.JobKind, reason domain.CancelReason, message string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'cancelled',
			cancel_reason = $3,
			message = $4,
			completed_at = NOW()
		WHERE project_id = $1 AND kind = $2 AND status IN ('pending', 'running')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, projectID, string(kind), string(reason), message))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("active job", string(kind))
		}
		return nil, fmt.Errorf("cancel active job: %w", err)
	}
	return job, nil
}

// CancelIfStalled cancels a running job that has not progressed since cutoff.
func (r *PgJobRepository) CancelIfStalled(ctx context.Context, id uuid.UUID, cutoff time.Time, message string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'cancelled',
			cancel_reason = 'stalled',
			message = $3,
			completed_at = NOW()
		WHERE id = $1
			AND status = 'running'
			AND COALESCE(last_progress_at, started_at) < $2
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, id, cutoff, message))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cancel stalled job: %w", err)
	}
	return job, nil
}

// UpdateProgress applies a progress write to a running job.
func (r *PgJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, p ProgressUpdate) (bool, error) {
	query := `
		UPDATE jobs
		SET total_units = COALESCE($2, total_units),
			message = COALESCE($3, message),
			processed_units = processed_units + $4,
			error_count = error_count + $5,
			neighbor_total = COALESCE($6, neighbor_total),
			neighbor_fetched = neighbor_fetched + $7,
			last_progress_at = GREATEST(last_progress_at, NOW())
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query,
		id, p.Total, p.Message, p.ProcessedDelta, p.ErrorDelta, p.NeighborTotal, p.NeighborDelta,
	)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type jobScanDest struct {
	job          domain.Job
	payload      []byte
	errorMessage *string
	cancelReason *string
}

func (d *jobScanDest) destinations() []any {
	return []any{
		&d.job.ID, &d.job.ProjectID, &d.job.Kind, &d.job.Status, &d.payload,
		&d.job.TotalUnits, &d.job.ProcessedUnits, &d.job.ErrorCount, &d.job.NeighborTotal, &d.job.NeighborFetched,
		&d.job.Message, &d.errorMessage, &d.cancelReason,
		&d.job.LastProgressAt, &d.job.CreatedAt, &d.job.StartedAt, &d.job.CompletedAt,
	}
}

func (d *jobScanDest) finalize() *domain.Job {
	d.job.ErrorMessage = derefString(d.errorMessage)
	d.job.CancelReason = domain.CancelReason(derefString(d.cancelReason))
	if len(d.payload) > 0 {
		d.job.Payload = d.payload
	}
	return &d.job
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var dest jobScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize(), nil
}

func jobStatusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
