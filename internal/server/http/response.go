package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

type createJobResponse struct {
	JobID      uuid.UUID        `json:"jobId"`
	Kind       domain.JobKind   `json:"kind"`
	Status     domain.JobStatus `json:"status"`
	Created    bool             `json:"created"`
	TotalUnits int              `json:"totalUnits"`
	Message    string           `json:"message"`
	CreatedAt  time.Time        `json:"createdAt"`
}

type cancelJobResponse struct {
	JobID        uuid.UUID           `json:"jobId"`
	Status       domain.JobStatus    `json:"status"`
	CancelReason domain.CancelReason `json:"cancelReason"`
	Message      string              `json:"message"`
}

type similarArticleResponse struct {
	ArticleID   uuid.UUID `json:"articleId"`
	Score       float32   `json:"score"`
	Title       string    `json:"title,omitempty"`
	Year        int       `json:"year,omitempty"`
	Journal     string    `json:"journal,omitempty"`
	DOI         string    `json:"doi,omitempty"`
	AccessionID *int64    `json:"accessionId,omitempty"`
}

type similarResponse struct {
	ArticleID uuid.UUID                `json:"articleId"`
	Model     string                   `json:"model"`
	Matches   []similarArticleResponse `json:"matches"`
}

func newCreateJobResponse(job *domain.Job, created bool) createJobResponse {
	msg := "Job queued"
	if !created {
		msg = "A job of this kind is already active for the project"
	}
	return createJobResponse{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Created:    created,
		TotalUnits: job.TotalUnits,
		Message:    msg,
		CreatedAt:  job.CreatedAt,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; an encode error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// writeDomainError maps domain errors to HTTP status codes. Internal error details are
// not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrNotConfigured):
		writeError(w, http.StatusPreconditionFailed, "required service is not configured")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job is no longer active")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
