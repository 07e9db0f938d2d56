package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promauto registers metrics globally, so every test uses its own namespace.

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_litpipe_new")

	assert.NotNil(t, m.SearchesTotal)
	assert.NotNil(t, m.SourceSearches)
	assert.NotNil(t, m.ArticlesAdded)
	assert.NotNil(t, m.JobsCreated)
	assert.NotNil(t, m.JobsFinished)
	assert.NotNil(t, m.EmbeddingCache)
}

func TestRecordSearch(t *testing.T) {
	m := NewMetrics("test_litpipe_search")

	m.RecordSearch(1.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchesTotal))

	count, err := getHistogramSampleCount(m.SearchDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRecordSourceSearch(t *testing.T) {
	m := NewMetrics("test_litpipe_source_search")

	m.RecordSourceSearch("pubmed", "ok", 30, 12, 18)
	m.RecordSourceSearch("openalex", "failed", 0, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceSearches.WithLabelValues("pubmed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceSearches.WithLabelValues("openalex", "failed")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.ArticlesFetched.WithLabelValues("pubmed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ArticlesAdded.WithLabelValues("pubmed")))
	assert.Equal(t, 18.0, testutil.ToFloat64(m.ArticlesSkipped.WithLabelValues("pubmed")))
}

func TestRecordJobCreated(t *testing.T) {
	m := NewMetrics("test_litpipe_job_created")

	m.RecordJobCreated("embedding", true)
	m.RecordJobCreated("embedding", false)
	m.RecordJobCreated("embedding", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsCreated.WithLabelValues("embedding")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsDeduplicated.WithLabelValues("embedding")))
}

func TestRecordJobFinished(t *testing.T) {
	m := NewMetrics("test_litpipe_job_finished")

	m.RecordJobFinished("graph_expansion", "cancelled", "stalled", 75)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("graph_expansion", "cancelled", "stalled")))
}

func TestRecordEmbeddingCache(t *testing.T) {
	m := NewMetrics("test_litpipe_embedding_cache")

	m.RecordEmbeddingCache(true)
	m.RecordEmbeddingCache(false)
	m.RecordEmbeddingCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmbeddingCache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmbeddingCache.WithLabelValues("miss")))
}

func TestRecordSourceRequest(t *testing.T) {
	m := NewMetrics("test_litpipe_source_request")

	m.RecordSourceRequest("pubmed", "esearch", 0.2)
	m.RecordSourceRequestFailed("pubmed", "efetch", "timeout")
	m.RecordSourceRateLimited("pubmed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequestsTotal.WithLabelValues("pubmed", "esearch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequestsFailed.WithLabelValues("pubmed", "efetch", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRateLimited.WithLabelValues("pubmed")))
}

func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	m := <-ch
	out := &dto.Metric{}
	if err := m.Write(out); err != nil {
		return 0, err
	}
	return out.Histogram.GetSampleCount(), nil
}
