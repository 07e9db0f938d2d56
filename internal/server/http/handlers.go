package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/embedding"
	"github.com/helixir/literature-pipeline/internal/expansion"
	"github.com/helixir/literature-pipeline/internal/jobs"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/qdrant"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/search"
)

const maxSimilarLimit = 100

type searchFilters struct {
	PublicationTypes []string `json:"publicationTypes" validate:"max=20,dive,max=200"`
	YearFrom         int      `json:"yearFrom" validate:"omitempty,gte=1800,lte=2200"`
	YearTo           int      `json:"yearTo" validate:"omitempty,gte=1800,lte=2200"`
}

// searchRequest is the JSON body of POST /search.
type searchRequest struct {
	Query      string        `json:"query" validate:"required,max=2000"`
	Sources    []string      `json:"sources" validate:"max=10,dive,required"`
	Filters    searchFilters `json:"filters"`
	MaxResults int           `json:"maxResults" validate:"gte=0"`
}

// graphExpansionRequest is the JSON body of POST /jobs/graph_expansion.
type graphExpansionRequest struct {
	Statuses   []string    `json:"statuses" validate:"dive,oneof=candidate selected excluded"`
	ArticleIDs []uuid.UUID `json:"articleIds" validate:"max=10000"`
}

// embeddingRequest is the JSON body of POST /jobs/embedding.
type embeddingRequest struct {
	IncludeReferences bool `json:"includeReferences"`
	IncludeCitations  bool `json:"includeCitations"`
}

// searchProject handles POST /projects/{projectID}/search.
func (s *Server) searchProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req searchRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}

	sources := make([]domain.SourceType, len(req.Sources))
	for i, src := range req.Sources {
		sources[i] = domain.SourceType(src)
	}

	resp, err := s.deps.Search.Search(ctx, search.Request{
		ProjectID:        projectIDFromContext(ctx),
		Query:            req.Query,
		Sources:          sources,
		PublicationTypes: req.Filters.PublicationTypes,
		YearFrom:         req.Filters.YearFrom,
		YearTo:           req.Filters.YearTo,
		MaxResults:       req.MaxResults,
		Actor:            observability.ActorFromContext(ctx),
	})
	if err != nil {
		s.logError(r, err, "search failed")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// createJob handles POST /projects/{projectID}/jobs/{kind}. The job total comes from
// a dry-run count of the work it will do.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}

	var (
		payload any
		total   int
		err     error
	)
	switch kind {
	case domain.JobKindGraphExpansion:
		var req graphExpansionRequest
		if !s.decodeBody(w, r, &req, true) {
			return
		}
		p := expansion.Payload{ProjectID: projectID, ArticleIDs: req.ArticleIDs}
		for _, st := range req.Statuses {
			p.Statuses = append(p.Statuses, domain.ProjectArticleStatus(st))
		}
		total, err = s.deps.Articles.CountExpandable(ctx, repository.ExpandableFilter{
			ProjectID:  projectID,
			Statuses:   p.Statuses,
			ArticleIDs: p.ArticleIDs,
		})
		payload = p

	case domain.JobKindEmbedding:
		var req embeddingRequest
		if !s.decodeBody(w, r, &req, true) {
			return
		}
		if s.deps.Embedder == nil || !s.deps.Embedder.Configured() {
			writeError(w, http.StatusPreconditionFailed, "embedding provider credentials are not configured")
			return
		}
		total, err = s.deps.Embeddings.CountMissing(ctx, repository.MissingEmbeddingFilter{
			ProjectID:         projectID,
			Model:             s.deps.Embedder.Model(),
			IncludeReferences: req.IncludeReferences,
			IncludeCitations:  req.IncludeCitations,
		})
		total = min(total, s.deps.EmbeddingMaxPerJob)
		payload = embedding.Payload{
			ProjectID:         projectID,
			IncludeReferences: req.IncludeReferences,
			IncludeCitations:  req.IncludeCitations,
		}
	}
	if err != nil {
		s.logError(r, err, "job dry-run count failed")
		writeDomainError(w, err)
		return
	}

	job, created, err := s.deps.Jobs.Create(ctx, jobs.CreateParams{
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
		Total:     total,
	})
	if err != nil {
		s.logError(r, err, "job creation failed")
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newCreateJobResponse(job, created))
}

// getJobStatus handles GET /projects/{projectID}/jobs/{kind}.
func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}

	status, err := s.deps.Jobs.Status(ctx, projectIDFromContext(ctx), kind)
	if err != nil {
		s.logError(r, err, "job status failed")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// cancelJob handles POST /projects/{projectID}/jobs/{kind}/cancel.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Jobs.Cancel(ctx, projectIDFromContext(ctx), kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active job")
			return
		}
		s.logError(r, err, "job cancel failed")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelJobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		CancelReason: job.CancelReason,
		Message:      job.Message,
	})
}

// similarArticles handles GET /articles/{articleID}/similar?limit=N.
func (s *Server) similarArticles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	articleID, ok := parseUUID(w, chi.URLParam(r, "articleID"), "articleID")
	if !ok {
		return
	}
	if s.deps.Index == nil {
		writeError(w, http.StatusPreconditionFailed, "similarity index is not configured")
		return
	}

	limit := s.deps.SimilarTopK
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSimilarLimit)
	}

	emb, err := s.deps.Embeddings.Get(ctx, articleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "article has no embedding")
			return
		}
		s.logError(r, err, "embedding lookup failed")
		writeDomainError(w, err)
		return
	}

	matches, err := s.deps.Index.Similar(ctx, qdrant.SimilarQuery{
		Vector:  emb.Vector,
		Model:   emb.Model,
		Exclude: articleID,
		TopK:    uint64(limit),
	})
	if err != nil {
		s.logError(r, err, "similarity query failed")
		writeDomainError(w, fmt.Errorf("similarity index: %w: %w", domain.ErrServiceUnavailable, err))
		return
	}

	resp := similarResponse{ArticleID: articleID, Model: emb.Model, Matches: []similarArticleResponse{}}
	if len(matches) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ids := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		ids[i] = m.ArticleID
	}
	articles, err := s.deps.Articles.GetByIDs(ctx, ids)
	if err != nil {
		s.logError(r, err, "loading similar articles failed")
		writeDomainError(w, err)
		return
	}
	byID := make(map[uuid.UUID]*domain.Article, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}

	for _, m := range matches {
		item := similarArticleResponse{ArticleID: m.ArticleID, Score: m.Score}
		if a, ok := byID[m.ArticleID]; ok {
			item.Title = a.Title
			item.Year = a.Year
			item.Journal = a.Journal
			item.DOI = a.DOI
			item.AccessionID = a.AccessionID
		}
		resp.Matches = append(resp.Matches, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseKind(w http.ResponseWriter, r *http.Request) (domain.JobKind, bool) {
	kind := domain.JobKind(chi.URLParam(r, "kind"))
	if !kind.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job kind %q", kind))
		return "", false
	}
	return kind, true
}

// parseUUID parses a UUID, writing a 400 response if invalid. The input is not echoed.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// logError logs server-side failures; client errors are not logged.
func (s *Server) logError(r *http.Request, err error, msg string) {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	logger := observability.WithRequestContext(r.Context(), s.logger)
	logger.Error().Err(err).Msg(msg)
}
