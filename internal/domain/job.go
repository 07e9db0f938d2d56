package domain

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the kind of background job. At most one active job exists per
// (project, kind).
type JobKind string

const (
	JobKindGraphExpansion JobKind = "graph_expansion"
	JobKindEmbedding      JobKind = "embedding"
)

// IsValid reports whether k is a known job kind.
func (k JobKind) IsValid() bool {
	return k == JobKindGraphExpansion || k == JobKindEmbedding
}

// JobStatus represents the lifecycle state of a background job.
// These values must match the jobs.status column values.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal returns true if the status represents a final state that will not change.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts against the single-flight guard.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ActiveJobStatuses are the statuses covered by the single-flight guard.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

var validJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusCancelled, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// No transition leaves a terminal state.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validJobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses from which a job may legally move to the target.
func SourcesFor(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// CancelReason records why a job was cancelled.
type CancelReason string

const (
	CancelReasonUser    CancelReason = "user_cancelled"
	CancelReasonStalled CancelReason = "stalled"
)

// Job phases reported through the job message while running.
const (
	PhaseFetchingReferences = "fetching_references"
	PhaseFetchingCitations  = "fetching_citations"
	PhaseFetchingMetadata   = "fetching_metadata"
	PhaseEmbedding          = "embedding"
)

// Job is a durable background job record.
type Job struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Kind            JobKind
	Status          JobStatus
	Payload         json.RawMessage
	TotalUnits      int
	ProcessedUnits  int
	ErrorCount      int
	NeighborTotal   int
	NeighborFetched int
	Message         string
	ErrorMessage    string
	CancelReason    CancelReason
	LastProgressAt  *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// IsStalled reports whether a running job has made no progress for longer than threshold.
func (j *Job) IsStalled(now time.Time, threshold time.Duration) bool {
	if j.Status != JobStatusRunning || threshold <= 0 {
		return false
	}
	last := j.LastProgressAt
	if last == nil {
		last = j.StartedAt
	}
	if last == nil {
		return false
	}
	return now.Sub(*last) > threshold
}

// Progress returns the completion percentage in [0, 100].
// Graph expansion blends article progress and neighbor-id progress at equal weight.
func (j *Job) Progress() float64 {
	if j.Status == JobStatusCompleted {
		return 100
	}

	articles := ratio(j.ProcessedUnits, j.TotalUnits)
	var pct float64
	switch j.Kind {
	case JobKindGraphExpansion:
		pct = 50*articles + 50*ratio(j.NeighborFetched, j.NeighborTotal)
	default:
		pct = 100 * articles
	}
	pct = math.Min(pct, 100)
	return math.Round(pct*10) / 10
}

// Elapsed returns the run time so far, or the total run time of a finished job.
func (j *Job) Elapsed(now time.Time) time.Duration {
	start := j.StartedAt
	if start == nil {
		start = &j.CreatedAt
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*start) {
		return 0
	}
	return end.Sub(*start)
}

func ratio(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(done) / float64(total)
	if r > 1 {
		return 1
	}
	return r
}
