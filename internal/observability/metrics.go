package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the literature pipeline.
// Metrics are organized by subsystem: searches, articles, sources, jobs and embeddings.
// All counters and histograms are registered via promauto with the default registry,
// so each namespace may only be constructed once per process.
type Metrics struct {
	// SearchesTotal counts orchestrated searches.
	SearchesTotal prometheus.Counter

	// SearchDuration observes the end-to-end duration of orchestrated searches in seconds.
	SearchDuration prometheus.Histogram

	// SourceSearches counts per-source searches, labeled by source and outcome.
	SourceSearches *prometheus.CounterVec

	// ArticlesFetched counts raw records pulled from sources, labeled by source.
	ArticlesFetched *prometheus.CounterVec

	// ArticlesAdded counts records added to a project, labeled by source.
	ArticlesAdded *prometheus.CounterVec

	// ArticlesSkipped counts duplicates encountered during search, labeled by source.
	ArticlesSkipped *prometheus.CounterVec

	// ArticlesCreated counts canonical articles created by the identity resolver.
	ArticlesCreated prometheus.Counter

	// IdentityConflicts counts unique-key races resolved by re-lookup.
	IdentityConflicts prometheus.Counter

	// PostProcessFailures counts best-effort post-processing failures, labeled by stage.
	PostProcessFailures *prometheus.CounterVec

	// SourceRequestsTotal counts HTTP requests to source APIs, labeled by source and endpoint.
	SourceRequestsTotal *prometheus.CounterVec

	// SourceRequestsFailed counts failed HTTP requests to source APIs.
	SourceRequestsFailed *prometheus.CounterVec

	// SourceRequestDuration observes HTTP request duration to source APIs in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// SourceRateLimited counts rate-limited responses from source APIs, labeled by source.
	SourceRateLimited *prometheus.CounterVec

	// JobsCreated counts jobs created, labeled by kind.
	JobsCreated *prometheus.CounterVec

	// JobsDeduplicated counts create requests answered with an already active job.
	JobsDeduplicated *prometheus.CounterVec

	// JobsFinished counts jobs reaching a terminal state, labeled by kind, status and reason.
	JobsFinished *prometheus.CounterVec

	// JobDuration observes job run time in seconds, labeled by kind and status.
	JobDuration *prometheus.HistogramVec

	// JobItemErrors counts per-item failures inside jobs, labeled by kind.
	JobItemErrors *prometheus.CounterVec

	// EmbeddingCache counts text embedding cache lookups, labeled by result (hit, miss).
	EmbeddingCache *prometheus.CounterVec

	// EmbeddingRequestDuration observes embedding API latency in seconds.
	EmbeddingRequestDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SearchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of orchestrated searches",
		}),
		SearchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of orchestrated searches in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		SourceSearches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_searches_total",
			Help:      "Total number of per-source searches by outcome",
		}, []string{"source", "outcome"}),
		ArticlesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_fetched_total",
			Help:      "Total number of raw records fetched from sources",
		}, []string{"source"}),
		ArticlesAdded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_added_total",
			Help:      "Total number of articles added to projects by search",
		}, []string{"source"}),
		ArticlesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_skipped_total",
			Help:      "Total number of duplicate records skipped by search",
		}, []string{"source"}),
		ArticlesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_created_total",
			Help:      "Total number of canonical articles created",
		}),
		IdentityConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_conflicts_total",
			Help:      "Total number of concurrent first-insert races resolved by re-lookup",
		}),
		PostProcessFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_process_failures_total",
			Help:      "Total number of failed post-processing steps by stage",
		}, []string{"stage"}),

		SourceRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of requests to source APIs",
		}, []string{"source", "endpoint"}),
		SourceRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_failed_total",
			Help:      "Total number of failed requests to source APIs",
		}, []string{"source", "endpoint", "error_type"}),
		SourceRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of requests to source APIs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source", "endpoint"}),
		SourceRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate limit responses from source APIs",
		}, []string{"source"}),

		JobsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of background jobs created by kind",
		}, []string{"kind"}),
		JobsDeduplicated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Total number of job create requests answered with an active job",
		}, []string{"kind"}),
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of background jobs reaching a terminal state",
		}, []string{"kind", "status", "reason"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Run time of background jobs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"kind", "status"}),
		JobItemErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_item_errors_total",
			Help:      "Total number of per-item failures inside background jobs",
		}, []string{"kind"}),

		EmbeddingCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_lookups_total",
			Help:      "Total number of text embedding cache lookups by result",
		}, []string{"result"}),
		EmbeddingRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Duration of embedding API requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

// RecordSearch records a completed orchestrated search.
func (m *Metrics) RecordSearch(durationSeconds float64) {
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(durationSeconds)
}

// RecordSourceSearch records the outcome of one source's search ("ok" or "failed").
func (m *Metrics) RecordSourceSearch(source, outcome string, fetched, added, skipped int) {
	m.SourceSearches.WithLabelValues(source, outcome).Inc()
	m.ArticlesFetched.WithLabelValues(source).Add(float64(fetched))
	m.ArticlesAdded.WithLabelValues(source).Add(float64(added))
	m.ArticlesSkipped.WithLabelValues(source).Add(float64(skipped))
}

// RecordArticleCreated records a new canonical article.
func (m *Metrics) RecordArticleCreated() {
	m.ArticlesCreated.Inc()
}

// RecordIdentityConflict records a unique-key race resolved by re-lookup.
func (m *Metrics) RecordIdentityConflict() {
	m.IdentityConflicts.Inc()
}

// RecordPostProcessFailure records a failed best-effort post-processing step.
func (m *Metrics) RecordPostProcessFailure(stage string) {
	m.PostProcessFailures.WithLabelValues(stage).Inc()
}

// RecordSourceRequest records a request to a source API.
func (m *Metrics) RecordSourceRequest(source, endpoint string, durationSeconds float64) {
	m.SourceRequestsTotal.WithLabelValues(source, endpoint).Inc()
	m.SourceRequestDuration.WithLabelValues(source, endpoint).Observe(durationSeconds)
}

// RecordSourceRequestFailed records a failed request to a source API.
func (m *Metrics) RecordSourceRequestFailed(source, endpoint, errorType string) {
	m.SourceRequestsFailed.WithLabelValues(source, endpoint, errorType).Inc()
}

// RecordSourceRateLimited records a rate limit response from a source.
func (m *Metrics) RecordSourceRateLimited(source string) {
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// RecordJobCreated records a new job, or a create request that returned an active job.
func (m *Metrics) RecordJobCreated(kind string, created bool) {
	if created {
		m.JobsCreated.WithLabelValues(kind).Inc()
		return
	}
	m.JobsDeduplicated.WithLabelValues(kind).Inc()
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(kind, status, reason string, durationSeconds float64) {
	m.JobsFinished.WithLabelValues(kind, status, reason).Inc()
	m.JobDuration.WithLabelValues(kind, status).Observe(durationSeconds)
}

// RecordJobItemErrors records per-item failures inside a job.
func (m *Metrics) RecordJobItemErrors(kind string, count int) {
	m.JobItemErrors.WithLabelValues(kind).Add(float64(count))
}

// RecordEmbeddingCache records a text embedding cache lookup.
func (m *Metrics) RecordEmbeddingCache(hit bool) {
	if hit {
		m.EmbeddingCache.WithLabelValues("hit").Inc()
		return
	}
	m.EmbeddingCache.WithLabelValues("miss").Inc()
}

// RecordEmbeddingRequest records an embedding API call.
func (m *Metrics) RecordEmbeddingRequest(durationSeconds float64) {
	m.EmbeddingRequestDuration.Observe(durationSeconds)
}
