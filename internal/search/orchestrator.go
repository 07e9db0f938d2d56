// Package search fans a free-text query out to the selected bibliographic sources,
// resolves every result to a canonical article and attaches the new ones to a project.
//
// Sources run concurrently and page independently. Records are deduplicated first
// against the identifiers already seen in the same call and then against the store,
// and the search stops pulling as soon as the requested number of new articles has
// been added. Post-processing stages run afterwards on the articles this call created.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/identity"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

// Resolver maps a source record to its canonical article.
type Resolver interface {
	Resolve(ctx context.Context, record domain.SourceRecord, pubTypes []string) (*identity.Resolution, error)
}

// Membership attaches articles to projects.
type Membership interface {
	Add(ctx context.Context, pa *domain.ProjectArticle) (bool, error)
	Count(ctx context.Context, projectID uuid.UUID) (int, error)
}

// SourceSelector resolves requested source types to searchable sources.
type SourceSelector interface {
	Select(requested []domain.SourceType) ([]papersources.PaperSource, error)
}

// Config is the orchestrator policy.
type Config struct {
	DefaultMaxResults int
	MaxResultsLimit   int
	// MaxFetch bounds the records one sub-search may pull from a single source.
	MaxFetch int
	// Inflation bounds the multiplier applied to the size of each source request.
	InflationMin  int
	InflationMax  int
	InflationStep int
}

func (c *Config) applyDefaults() {
	if c.DefaultMaxResults <= 0 {
		c.DefaultMaxResults = 50
	}
	if c.MaxResultsLimit <= 0 {
		c.MaxResultsLimit = 500
	}
	if c.MaxFetch <= 0 {
		c.MaxFetch = 2000
	}
	if c.InflationMin <= 0 {
		c.InflationMin = 2
	}
	if c.InflationMax < c.InflationMin {
		c.InflationMax = max(5, c.InflationMin)
	}
	if c.InflationStep <= 0 {
		c.InflationStep = 250
	}
}

// Request is one search against a project.
type Request struct {
	ProjectID        uuid.UUID
	Query            string
	Sources          []domain.SourceType
	PublicationTypes []string
	YearFrom         int
	YearTo           int
	// MaxResults is the number of new articles wanted. Zero uses the configured default.
	MaxResults int
	// Actor is recorded as added_by on new memberships.
	Actor string
}

// SourceSummary reports what one source contributed.
type SourceSummary struct {
	Count  int  `json:"count"`
	Added  int  `json:"added"`
	Failed bool `json:"failed,omitempty"`
}

// Response is the outcome of a search. Counts reflect what succeeded even when some
// sources failed.
type Response struct {
	TotalFound int                                 `json:"totalFound"`
	Fetched    int                                 `json:"fetched"`
	Added      int                                 `json:"added"`
	Skipped    int                                 `json:"skipped"`
	Sources    map[domain.SourceType]SourceSummary `json:"sources"`
	Message    string                              `json:"message"`
}

// Orchestrator runs searches. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	sources  SourceSelector
	resolver Resolver
	members  Membership
	stages   []Stage
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. stages run in order on created articles;
// metrics may be nil.
func NewOrchestrator(cfg Config, sources SourceSelector, resolver Resolver, members Membership,
	stages []Stage, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		sources:  sources,
		resolver: resolver,
		members:  members,
		stages:   stages,
		metrics:  metrics,
		logger:   logger.With().Str("component", "search").Logger(),
		now:      time.Now,
	}
}

// Multiplier returns the request inflation factor for a project already holding
// existing articles. Larger projects see more duplicates per page.
func (o *Orchestrator) Multiplier(existing int) int {
	m := o.cfg.InflationMin + existing/o.cfg.InflationStep
	return min(max(m, o.cfg.InflationMin), o.cfg.InflationMax)
}

// Search runs req. Unknown or disabled sources and malformed requests fail before
// any source is contacted.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Response, error) {
	start := o.now()

	if err := o.normalize(&req); err != nil {
		return nil, err
	}
	sources, err := o.sources.Select(req.Sources)
	if err != nil {
		return nil, err
	}

	existing, err := o.members.Count(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("count project articles: %w", err)
	}
	multiplier := o.Multiplier(existing)

	logger := observability.WithRequestContext(ctx, o.logger)
	logger.Info().
		Str("query", req.Query).
		Int("sources", len(sources)).
		Strs("publication_types", req.PublicationTypes).
		Int("max_results", req.MaxResults).
		Int("existing", existing).
		Int("multiplier", multiplier).
		Msg("starting search")

	r := &run{
		req:       req,
		inFlight:  make(map[string]*inFlight),
		summaries: make(map[domain.SourceType]*SourceSummary, len(sources)),
	}
	for _, src := range sources {
		r.summaries[src.SourceType()] = &SourceSummary{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			return o.searchSource(gctx, r, src, multiplier, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.postProcess(ctx, r.created, logger)

	resp := r.response()
	if o.metrics != nil {
		o.metrics.RecordSearch(o.now().Sub(start).Seconds())
	}
	logger.Info().
		Int("found", resp.TotalFound).
		Int("fetched", resp.Fetched).
		Int("added", resp.Added).
		Int("skipped", resp.Skipped).
		Dur("duration", o.now().Sub(start)).
		Msg("search completed")
	return resp, nil
}

func (o *Orchestrator) normalize(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return domain.NewValidationError("query", "query is required")
	}
	if req.ProjectID == uuid.Nil {
		return domain.NewValidationError("projectId", "project id is required")
	}
	if req.YearFrom > 0 && req.YearTo > 0 && req.YearFrom > req.YearTo {
		return domain.NewValidationError("filters.yearFrom", "yearFrom must not be after yearTo")
	}
	switch {
	case req.MaxResults < 0:
		return domain.NewValidationError("maxResults", "must not be negative")
	case req.MaxResults == 0:
		req.MaxResults = o.cfg.DefaultMaxResults
	case req.MaxResults > o.cfg.MaxResultsLimit:
		req.MaxResults = o.cfg.MaxResultsLimit
	}

	types := make([]string, 0, len(req.PublicationTypes))
	seen := make(map[string]struct{}, len(req.PublicationTypes))
	for _, t := range req.PublicationTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	req.PublicationTypes = types
	return nil
}

// subSearches returns one tag set per sub-search: one per publication type, or a
// single untagged search when no type is requested.
func subSearches(types []string) [][]string {
	if len(types) == 0 {
		return [][]string{nil}
	}
	out := make([][]string, len(types))
	for i, t := range types {
		out[i] = []string{t}
	}
	return out
}

func (o *Orchestrator) searchSource(ctx context.Context, r *run, src papersources.PaperSource, multiplier int, logger zerolog.Logger) error {
	st := src.SourceType()
	requestSize := r.req.MaxResults * multiplier
	if limit := src.MaxResults(); limit > 0 && requestSize > limit {
		requestSize = limit
	}
	srcLogger := observability.WithSearchContext(logger, r.req.Query, string(st)).
		With().Int("request_size", requestSize).Logger()

	var fetched, added, skipped int
	outcome := "ok"
	for _, tags := range subSearches(r.req.PublicationTypes) {
		params := papersources.SearchParams{
			Query:    r.req.Query,
			YearFrom: r.req.YearFrom,
			YearTo:   r.req.YearTo,
		}
		if len(tags) == 1 {
			params.PublicationType = tags[0]
		}

		stats, err := o.pageSource(ctx, r, src, params, tags, requestSize)
		fetched += stats.fetched
		added += stats.added
		skipped += stats.skipped
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var fatal *fatalError
			if errors.As(err, &fatal) {
				return fatal.err
			}
			// Transport failures count as zero further results for this source.
			outcome = "failed"
			r.markFailed(st)
			srcLogger.Warn().Err(err).Str("publication_type", params.PublicationType).Msg("source search failed")
			break
		}
		if r.targetReached() {
			break
		}
	}

	if o.metrics != nil {
		o.metrics.RecordSourceSearch(string(st), outcome, fetched, added, skipped)
	}
	srcLogger.Debug().Int("fetched", fetched).Int("added", added).Int("skipped", skipped).Msg("source finished")
	return nil
}

type pageStats struct {
	fetched, added, skipped int
}

// fatalError marks store failures, which abort the whole search.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

// pageSource issues inflated requests until the target is reached, the source runs
// out of results or MaxFetch records have been pulled.
func (o *Orchestrator) pageSource(ctx context.Context, r *run, src papersources.PaperSource,
	params papersources.SearchParams, tags []string, requestSize int) (pageStats, error) {
	var stats pageStats
	offset := 0
	for stats.fetched < o.cfg.MaxFetch && !r.targetReached() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		params.Offset = offset
		params.MaxResults = min(requestSize, o.cfg.MaxFetch-stats.fetched)

		page, err := src.Search(ctx, params)
		if err != nil {
			return stats, err
		}
		if offset == 0 {
			r.addFound(page.TotalResults)
		}

		for _, rec := range page.Records {
			if stats.fetched >= o.cfg.MaxFetch || r.targetReached() {
				break
			}
			stats.fetched++
			r.addFetched(src.SourceType())

			out, err := o.ingest(ctx, r, src.SourceType(), rec, tags)
			if err != nil {
				return stats, &fatalError{err: err}
			}
			switch out {
			case outcomeAdded:
				stats.added++
			case outcomeSkipped:
				stats.skipped++
			}
		}

		if !page.HasMore || len(page.Records) == 0 || page.NextOffset <= offset {
			break
		}
		offset = page.NextOffset
	}
	return stats, nil
}

type outcome int

const (
	outcomeAdded outcome = iota
	outcomeSkipped
	// outcomeDropped is a record left unprocessed because the target was met meanwhile.
	outcomeDropped
)

// ingest resolves one record and attaches it to the project.
func (o *Orchestrator) ingest(ctx context.Context, r *run, st domain.SourceType, rec domain.SourceRecord, tags []string) (outcome, error) {
	entry, first := r.claim(rec)
	if !first {
		r.addSkipped()
		if err := o.mergeTags(ctx, r, entry, tags); err != nil {
			return outcomeSkipped, fmt.Errorf("merge %s record tags: %w", st, err)
		}
		return outcomeSkipped, nil
	}

	// Resolution and attachment are serialized per search so added never passes the target.
	r.attachMu.Lock()
	defer r.attachMu.Unlock()
	if r.targetReached() {
		return outcomeDropped, nil
	}

	// Tags from later sub-searches that saw this record before it was resolved.
	entry.tags, _ = domain.UnionPublicationTypes(entry.tags, tags)
	res, err := o.resolver.Resolve(ctx, rec, entry.tags)
	if err != nil {
		return outcomeDropped, fmt.Errorf("resolve %s record: %w", st, err)
	}
	entry.resolved = true
	entry.rec = rec

	isNew, err := o.members.Add(ctx, &domain.ProjectArticle{
		ProjectID:   r.req.ProjectID,
		ArticleID:   res.ArticleID,
		Status:      domain.ProjectArticleStatusCandidate,
		SourceQuery: r.req.Query,
		AddedBy:     r.req.Actor,
	})
	if err != nil {
		return outcomeDropped, fmt.Errorf("attach article %s: %w", res.ArticleID, err)
	}
	if !isNew {
		r.addSkipped()
		return outcomeSkipped, nil
	}
	r.addAdded(st, res)
	return outcomeAdded, nil
}

// mergeTags unions the publication types of a sub-search into a record already seen in
// this call. The hit stays a duplicate for counting purposes.
func (o *Orchestrator) mergeTags(ctx context.Context, r *run, entry *inFlight, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	merged, grows := domain.UnionPublicationTypes(entry.tags, tags)
	if !grows {
		return nil
	}
	entry.tags = merged
	if !entry.resolved {
		// The first claimant resolves with entry.tags, or was dropped at the target.
		return nil
	}
	// The first record's identifiers are the ones the stored article holds.
	_, err := o.resolver.Resolve(ctx, entry.rec, tags)
	return err
}

func (o *Orchestrator) postProcess(ctx context.Context, created []*domain.Article, logger zerolog.Logger) {
	if len(created) == 0 {
		return
	}
	for _, stage := range o.stages {
		failed := 0
		for _, article := range created {
			if ctx.Err() != nil {
				return
			}
			if err := stage.Apply(ctx, article); err != nil {
				failed++
				if o.metrics != nil {
					o.metrics.RecordPostProcessFailure(stage.Name())
				}
				logger.Warn().Err(err).
					Str("stage", stage.Name()).
					Str("article_id", article.ID.String()).
					Msg("post-processing failed")
			}
		}
		logger.Debug().Str("stage", stage.Name()).Int("articles", len(created)).Int("failed", failed).Msg("stage finished")
	}
}

// inFlight tracks one identity seen during a Search call. Its fields are guarded by
// run.attachMu.
type inFlight struct {
	tags     []string
	resolved bool
	// rec is the record the article was resolved from.
	rec domain.SourceRecord
}

// run is the mutable state of one Search call.
type run struct {
	req Request

	mu        sync.Mutex
	inFlight  map[string]*inFlight
	summaries map[domain.SourceType]*SourceSummary
	found          int
	fetched        int
	added          int
	skipped        int
	created        []*domain.Article

	attachMu sync.Mutex
}

// claim registers the record's identifiers. It reports false, with the existing entry,
// when either identifier was already seen in this call. Records without identifiers
// are never duplicates.
func (r *run) claim(rec domain.SourceRecord) (*inFlight, bool) {
	var keys []string
	if rec.AccessionID != nil {
		keys = append(keys, "pmid:"+strconv.FormatInt(*rec.AccessionID, 10))
	}
	if doi := rec.NormalizedDOI(); doi != "" {
		keys = append(keys, "doi:"+doi)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var entry *inFlight
	for _, k := range keys {
		if e, ok := r.inFlight[k]; ok {
			entry = e
			break
		}
	}
	first := entry == nil
	if first {
		entry = &inFlight{}
	}
	for _, k := range keys {
		if _, ok := r.inFlight[k]; !ok {
			r.inFlight[k] = entry
		}
	}
	return entry, first
}

func (r *run) targetReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added >= r.req.MaxResults
}

func (r *run) addFound(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found += total
}

func (r *run) addFetched(st domain.SourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched++
	r.summaries[st].Count++
}

func (r *run) addSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *run) addAdded(st domain.SourceType, res *identity.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added++
	r.summaries[st].Added++
	if res.Created && res.Article != nil {
		r.created = append(r.created, res.Article)
	}
}

func (r *run) markFailed(st domain.SourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries[st].Failed = true
}

func (r *run) response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &Response{
		TotalFound: r.found,
		Fetched:    r.fetched,
		Added:      r.added,
		Skipped:    r.skipped,
		Sources:    make(map[domain.SourceType]SourceSummary, len(r.summaries)),
	}
	var failed []string
	for st, s := range r.summaries {
		resp.Sources[st] = *s
		if s.Failed {
			failed = append(failed, string(st))
		}
	}
	sort.Strings(failed)

	resp.Message = fmt.Sprintf("Added %d new articles, skipped %d duplicates", r.added, r.skipped)
	if r.added >= r.req.MaxResults {
		resp.Message += fmt.Sprintf(" (target of %d reached)", r.req.MaxResults)
	}
	if len(failed) > 0 {
		resp.Message += "; unavailable sources: " + strings.Join(failed, ", ")
	}
	return resp
}
