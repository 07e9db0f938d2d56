package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

const (
	// DefaultBaseURL is the default OpenAlex API base URL.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultRateLimit is the default rate limit for requests per second.
	DefaultRateLimit = 10.0

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default maximum results collected per search.
	DefaultMaxResults = 200

	// perPageLimit is the largest page the works endpoint serves.
	perPageLimit = 200

	doiPrefix  = "https://doi.org/"
	pmidPrefix = "https://pubmed.ncbi.nlm.nih.gov/"
	sourceName = "OpenAlex"

	maxResponseBytes = 10 << 20
)

// workTypes maps publication-type labels (PubMed vocabulary) to OpenAlex work types.
var workTypes = map[string]string{
	"journal article":   "article",
	"article":           "article",
	"review":            "review",
	"systematic review": "review",
	"letter":            "letter",
	"editorial":         "editorial",
	"preprint":          "preprint",
	"erratum":           "erratum",
	"book chapter":      "book-chapter",
	"dataset":           "dataset",
}

// Config holds configuration for the OpenAlex client.
type Config struct {
	// BaseURL defaults to https://api.openalex.org.
	BaseURL string

	// Email is the contact address for the polite pool.
	// See: https://docs.openalex.org/how-to-use-the-api/rate-limits-and-authentication
	Email string

	// APIKey is sent as the api_key parameter when set.
	APIKey string

	Timeout   time.Duration
	RateLimit float64

	// MaxResults is the most results one request may ask for.
	MaxResults int

	// Enabled controls whether the source takes part in searches. Lookups are
	// always available.
	Enabled bool
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client is the OpenAlex works client. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a new OpenAlex client. recorder may be nil.
func New(cfg Config, recorder papersources.RequestRecorder) *Client {
	cfg.applyDefaults()

	userAgent := "literature-pipeline/1.0"
	if cfg.Email != "" {
		userAgent += " (mailto:" + cfg.Email + ")"
	}

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:    string(domain.SourceTypeOpenAlex),
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		UserAgent: userAgent,
		Recorder:  recorder,
	})

	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// NewWithHTTPClient creates a new OpenAlex client with a custom HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// Search queries the works endpoint for one page of results.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("openalex source is disabled")
	}

	startTime := time.Now()
	result := &papersources.SearchResult{
		Records:    []domain.SourceRecord{},
		Source:     domain.SourceTypeOpenAlex,
		NextOffset: params.Offset,
	}

	query, ok := c.searchQuery(params)
	if !ok {
		// The publication type has no OpenAlex equivalent.
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	var searchResp SearchResponse
	if err := c.get(ctx, "/works", query, &searchResp); err != nil {
		return nil, err
	}

	for _, raw := range searchResp.Results {
		var work Work
		if err := json.Unmarshal(raw, &work); err != nil {
			return nil, fmt.Errorf("decoding work: %w", err)
		}
		result.Records = append(result.Records, toSourceRecord(&work, raw))
	}

	result.TotalResults = searchResp.Meta.Count
	result.NextOffset = params.Offset + len(searchResp.Results)
	result.HasMore = len(searchResp.Results) > 0 && result.NextOffset < searchResp.Meta.Count
	result.SearchDuration = time.Since(startTime)
	return result, nil
}

// LookupByDOI returns the record OpenAlex holds for doi.
func (c *Client) LookupByDOI(ctx context.Context, doi string) (*domain.SourceRecord, error) {
	doi = domain.NormalizeDOI(doi)
	if doi == "" {
		return nil, domain.NewValidationError("doi", "not a DOI")
	}
	return c.lookup(ctx, doiPrefix+doi)
}

// LookupByAccessionID returns the record OpenAlex holds for a PubMed id.
func (c *Client) LookupByAccessionID(ctx context.Context, pmid int64) (*domain.SourceRecord, error) {
	if pmid <= 0 {
		return nil, domain.NewValidationError("pmid", "must be positive")
	}
	return c.lookup(ctx, "pmid:"+strconv.FormatInt(pmid, 10))
}

// SourceType returns the source type identifier.
func (c *Client) SourceType() domain.SourceType {
	return domain.SourceTypeOpenAlex
}

// Name returns the human-readable name for this source.
func (c *Client) Name() string {
	return sourceName
}

// IsEnabled returns whether this source takes part in searches.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// MaxResults returns the most results one request may ask for.
func (c *Client) MaxResults() int {
	return c.config.MaxResults
}

func (c *Client) lookup(ctx context.Context, workID string) (*domain.SourceRecord, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/works/"+workID, url.Values{}, &raw); err != nil {
		return nil, err
	}

	var work Work
	if err := json.Unmarshal(raw, &work); err != nil {
		return nil, fmt.Errorf("decoding work: %w", err)
	}
	record := toSourceRecord(&work, raw)
	return &record, nil
}

// searchQuery builds the works query. It reports false when the requested
// publication type cannot be expressed as an OpenAlex filter.
func (c *Client) searchQuery(params papersources.SearchParams) (url.Values, bool) {
	query := url.Values{}
	if q := strings.TrimSpace(params.Query); q != "" {
		query.Set("search", q)
	}

	var filters []string
	if pt := strings.TrimSpace(params.PublicationType); pt != "" {
		workType, ok := workTypes[strings.ToLower(pt)]
		if !ok {
			return nil, false
		}
		filters = append(filters, "type:"+workType)
	}
	if params.YearFrom > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%04d-01-01", params.YearFrom))
	}
	if params.YearTo > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%04d-12-31", params.YearTo))
	}
	if len(filters) > 0 {
		query.Set("filter", strings.Join(filters, ","))
	}

	perPage := params.MaxResults
	if perPage <= 0 {
		perPage = c.config.MaxResults
	}
	if perPage > perPageLimit {
		perPage = perPageLimit
	}
	query.Set("per_page", strconv.Itoa(perPage))

	// OpenAlex pages are 1-indexed.
	if params.Offset > 0 {
		query.Set("page", strconv.Itoa(params.Offset/perPage+1))
	}
	return query, true
}

// get performs a GET against path and decodes the JSON body into out.
// A 404 is reported as a NotFoundError.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.config.Email != "" {
		query.Set("mailto", c.config.Email)
	}
	if c.config.APIKey != "" {
		query.Set("api_key", c.config.APIKey)
	}

	reqURL := c.config.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.NewNotFoundError("work", strings.TrimPrefix(path, "/works/"))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// toSourceRecord converts a work into a source record carrying raw as its payload.
func toSourceRecord(work *Work, raw json.RawMessage) domain.SourceRecord {
	doi := domain.NormalizeDOI(work.DOI)
	if doi == "" {
		doi = domain.NormalizeDOI(work.IDs.DOI)
	}

	names := make([]string, 0, len(work.Authorships))
	for _, a := range work.Authorships {
		if name := strings.TrimSpace(a.Author.DisplayName); name != "" {
			names = append(names, name)
		}
	}

	// display_name is usually cleaner than title.
	title := work.DisplayName
	if title == "" {
		title = work.Title
	}

	var journal string
	if work.PrimaryLocation != nil && work.PrimaryLocation.Source != nil {
		journal = work.PrimaryLocation.Source.DisplayName
	}

	record := domain.SourceRecord{
		DOI:      doi,
		Title:    strings.TrimSpace(title),
		Abstract: reconstructAbstract(work.AbstractInvertedIndex),
		Authors:  strings.Join(names, ", "),
		Year:     work.PublicationYear,
		Journal:  journal,
		Source:   domain.SourceTypeOpenAlex,
		Raw:      raw,
	}
	if pmid, ok := parsePMID(work.IDs.PMID); ok {
		record.AccessionID = &pmid
	}
	return record
}

// parsePMID accepts both bare ids and pubmed.ncbi.nlm.nih.gov URLs.
func parsePMID(pmid string) (int64, bool) {
	pmid = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(pmid), pmidPrefix))
	pmid = strings.TrimSuffix(pmid, "/")
	if pmid == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(pmid, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// reconstructAbstract rebuilds the abstract text from OpenAlex's inverted index.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	const maxAbstractWords = 100_000
	totalPairs := 0
	for _, positions := range invertedIndex {
		totalPairs += len(positions)
	}
	if totalPairs > maxAbstractWords {
		return ""
	}

	pairs := make([]posWord, 0, totalPairs)
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	var builder strings.Builder
	builder.Grow(totalPairs * 7)
	for i, pair := range pairs {
		if i > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(pair.word)
	}
	return builder.String()
}
