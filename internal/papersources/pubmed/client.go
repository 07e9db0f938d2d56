package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
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
	// DefaultBaseURL is the base URL for NCBI E-utilities API.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultRateLimit is the rate limit without an API key (3 requests/second).
	// With an API key, the limit increases to 10 requests/second.
	DefaultRateLimit = 3.0

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default maximum results per search.
	DefaultMaxResults = 200

	// MaxResultsLimit is the maximum results allowed per request by the API.
	MaxResultsLimit = 10000

	// toolName identifies this client to NCBI.
	toolName = "literature-pipeline"

	sourceName = "PubMed"

	maxResponseBytes = 10 << 20
)

// Config holds the configuration for the PubMed client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// APIKey is the NCBI API key. It raises the allowed request rate.
	APIKey string

	// Email is the contact address NCBI asks tools to send.
	Email string

	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// MaxResults is the most results one request may ask for.
	MaxResults int

	// Enabled controls whether the source takes part in searches. Neighbor lookups
	// and metadata fetches are always available.
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

// Client is the PubMed E-utilities client. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a PubMed client. recorder may be nil.
func New(cfg Config, recorder papersources.RequestRecorder) *Client {
	cfg.applyDefaults()

	httpCfg := papersources.HTTPClientConfig{
		Source:    string(domain.SourceTypePubMed),
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: 1,
		Recorder:  recorder,
	}

	return &Client{
		config:     cfg,
		httpClient: papersources.NewHTTPClient(httpCfg),
	}
}

// NewWithHTTPClient creates a PubMed client with a custom HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// Search runs esearch for matching PMIDs and then efetch for their records.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("pubmed source is disabled")
	}

	startTime := time.Now()
	result := &papersources.SearchResult{
		Records: []domain.SourceRecord{},
		Source:  domain.SourceTypePubMed,
	}

	searchResult, err := c.esearch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("esearch failed: %w", err)
	}

	// An unknown phrase is an empty result, not an error.
	if searchResult.ErrorList != nil && len(searchResult.ErrorList.PhraseNotFound) > 0 {
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	result.TotalResults = searchResult.Count
	result.NextOffset = params.Offset
	if len(searchResult.IDList.IDs) == 0 {
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	articles, err := c.efetch(ctx, searchResult.IDList.IDs)
	if err != nil {
		return nil, fmt.Errorf("efetch failed: %w", err)
	}

	for _, article := range articles.Articles {
		result.Records = append(result.Records, toSourceRecord(article))
	}

	// Advance by the number of ids requested; efetch can drop withdrawn records.
	result.NextOffset = params.Offset + len(searchResult.IDList.IDs)
	result.HasMore = result.NextOffset < searchResult.Count
	result.SearchDuration = time.Since(startTime)
	return result, nil
}

// FetchByIDs returns the records for the given accession ids. Unknown ids are
// silently absent from the result.
func (c *Client) FetchByIDs(ctx context.Context, ids []int64) ([]domain.SourceRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pmids := make([]string, len(ids))
	for i, id := range ids {
		pmids[i] = strconv.FormatInt(id, 10)
	}

	articles, err := c.efetch(ctx, pmids)
	if err != nil {
		return nil, fmt.Errorf("efetch failed: %w", err)
	}

	records := make([]domain.SourceRecord, 0, len(articles.Articles))
	for _, article := range articles.Articles {
		records = append(records, toSourceRecord(article))
	}
	return records, nil
}

// Links returns the accession ids linked to accessionID by the given relation,
// sorted ascending.
func (c *Client) Links(ctx context.Context, accessionID int64, link papersources.LinkType) ([]int64, error) {
	q := url.Values{}
	q.Set("dbfrom", "pubmed")
	q.Set("db", "pubmed")
	q.Set("id", strconv.FormatInt(accessionID, 10))
	q.Set("linkname", string(link))
	q.Set("retmode", "xml")

	var result ELinkResult
	if err := c.get(ctx, "/elink.fcgi", q, &result); err != nil {
		return nil, fmt.Errorf("elink failed: %w", err)
	}
	if result.ERROR != "" {
		return nil, domain.NewExternalAPIError(sourceName, http.StatusOK, result.ERROR, nil)
	}

	seen := make(map[int64]struct{})
	for _, set := range result.LinkSets {
		if set.ERROR != "" {
			return nil, domain.NewExternalAPIError(sourceName, http.StatusOK, set.ERROR, nil)
		}
		for _, db := range set.LinkSetDbs {
			if db.LinkName != string(link) {
				continue
			}
			for _, l := range db.Links {
				id, err := strconv.ParseInt(strings.TrimSpace(l.ID), 10, 64)
				if err != nil || id == accessionID {
					continue
				}
				seen[id] = struct{}{}
			}
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SourceType returns the source type identifier.
func (c *Client) SourceType() domain.SourceType {
	return domain.SourceTypePubMed
}

// Name returns the human-readable name for this source.
func (c *Client) Name() string {
	return sourceName
}

// IsEnabled returns whether the source takes part in searches.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// MaxResults returns the most results one request may ask for.
func (c *Client) MaxResults() int {
	return c.config.MaxResults
}

func (c *Client) esearch(ctx context.Context, params papersources.SearchParams) (*ESearchResult, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", searchTerm(params))
	q.Set("retmode", "xml")
	q.Set("usehistory", "n")

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}
	if maxResults > MaxResultsLimit {
		maxResults = MaxResultsLimit
	}
	q.Set("retmax", strconv.Itoa(maxResults))

	if params.Offset > 0 {
		q.Set("retstart", strconv.Itoa(params.Offset))
	}

	// E-utilities needs both ends of a date range.
	if params.YearFrom > 0 || params.YearTo > 0 {
		from, to := params.YearFrom, params.YearTo
		if from <= 0 {
			from = 1800
		}
		if to <= 0 {
			to = 3000
		}
		q.Set("datetype", "pdat")
		q.Set("mindate", strconv.Itoa(from))
		q.Set("maxdate", strconv.Itoa(to))
	}

	var result ESearchResult
	if err := c.get(ctx, "/esearch.fcgi", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) efetch(ctx context.Context, pmids []string) (*PubmedArticleSet, error) {
	if len(pmids) == 0 {
		return &PubmedArticleSet{}, nil
	}

	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(pmids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")

	var result PubmedArticleSet
	if err := c.get(ctx, "/efetch.fcgi", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// get performs a GET against an E-utilities endpoint and decodes the XML body into out.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	q.Set("tool", toolName)
	if c.config.Email != "" {
		q.Set("email", c.config.Email)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}

	reqURL := c.config.BaseURL + endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse XML response: %w", err)
	}
	return nil
}

// searchTerm appends the publication-type restriction to the query.
func searchTerm(params papersources.SearchParams) string {
	term := strings.TrimSpace(params.Query)
	pt := strings.TrimSpace(params.PublicationType)
	if pt == "" {
		return term
	}
	filter := strconv.Quote(pt) + "[pt]"
	if term == "" {
		return filter
	}
	return "(" + term + ") AND " + filter
}

// rawRecord is the provenance payload stored with PubMed records.
type rawRecord struct {
	PMID             string   `json:"pmid"`
	DOI              string   `json:"doi,omitempty"`
	PMCID            string   `json:"pmcid,omitempty"`
	Journal          string   `json:"journal,omitempty"`
	Volume           string   `json:"volume,omitempty"`
	Issue            string   `json:"issue,omitempty"`
	Pages            string   `json:"pages,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	PublicationTypes []string `json:"publication_types,omitempty"`
	MeshTerms        []string `json:"mesh_terms,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Status           string   `json:"publication_status,omitempty"`
}

// toSourceRecord converts a PubmedArticle to a source record.
func toSourceRecord(article PubmedArticle) domain.SourceRecord {
	citation := article.MedlineCitation
	pubmedData := article.PubmedData

	doi := extractDOI(citation.Article, pubmedData)
	_, year := extractPublicationDate(citation.Article)

	journal := citation.Article.Journal.Title
	if journal == "" {
		journal = citation.Article.Journal.ISOAbbreviation
	}

	pubTypes := extractPublicationTypes(citation.Article.PublicationTypeList)

	raw := rawRecord{
		PMID:             strings.TrimSpace(citation.PMID.Value),
		DOI:              doi,
		Journal:          journal,
		Volume:           citation.Article.Journal.JournalIssue.Volume,
		Issue:            citation.Article.Journal.JournalIssue.Issue,
		Pages:            extractPages(citation.Article.Pagination),
		Languages:        citation.Article.Language,
		PublicationTypes: pubTypes,
		Status:           pubmedData.PublicationStatus,
	}
	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType == "pmc" {
			raw.PMCID = aid.Value
			break
		}
	}
	if citation.MeshHeadingList != nil {
		for _, mh := range citation.MeshHeadingList.MeshHeadings {
			raw.MeshTerms = append(raw.MeshTerms, mh.DescriptorName.Value)
		}
	}
	if citation.KeywordList != nil {
		for _, kw := range citation.KeywordList.Keywords {
			raw.Keywords = append(raw.Keywords, kw.Value)
		}
	}
	rawJSON, _ := json.Marshal(raw)

	record := domain.SourceRecord{
		DOI:              doi,
		Title:            strings.TrimSpace(citation.Article.ArticleTitle),
		Abstract:         extractAbstract(citation.Article.Abstract),
		Authors:          extractAuthors(citation.Article.AuthorList),
		Year:             year,
		Journal:          journal,
		Source:           domain.SourceTypePubMed,
		PublicationTypes: pubTypes,
		Raw:              rawJSON,
	}
	if pmid, err := strconv.ParseInt(raw.PMID, 10, 64); err == nil && pmid > 0 {
		record.AccessionID = &pmid
	}
	return record
}

// extractDOI extracts the DOI from article metadata.
// It checks ELocationID first (more reliable), then ArticleIdList.
func extractDOI(article Article, pubmedData PubmedData) string {
	for _, eloc := range article.ELocationID {
		if eloc.EIdType == "doi" && (eloc.Valid == "" || eloc.Valid == "Y") {
			return strings.TrimSpace(eloc.Value)
		}
	}
	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType == "doi" {
			return strings.TrimSpace(aid.Value)
		}
	}
	return ""
}

// extractPublicationDate returns the publication date and year. ArticleDate is
// preferred; the journal issue date is the fallback.
func extractPublicationDate(article Article) (*time.Time, int) {
	for _, ad := range article.ArticleDate {
		if ad.DateType == "epublish" || ad.DateType == "Electronic" || ad.DateType == "" {
			if t := parseDate(ad.Year, ad.Month, ad.Day); t != nil {
				return t, t.Year()
			}
		}
	}

	pubDate := article.Journal.JournalIssue.PubDate

	// MedlineDate looks like "2020 Jan-Feb".
	if pubDate.MedlineDate != "" {
		if year := extractYearFromMedlineDate(pubDate.MedlineDate); year > 0 {
			t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			return &t, year
		}
	}

	if t := parseDate(pubDate.Year, pubDate.Month, pubDate.Day); t != nil {
		return t, t.Year()
	}
	return nil, 0
}

func parseDate(year, month, day string) *time.Time {
	if year == "" {
		return nil
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return nil
	}

	d := 1
	if day != "" {
		if parsed, err := strconv.Atoi(day); err == nil {
			d = parsed
		}
	}

	t := time.Date(y, parseMonth(month), d, 0, 0, 0, 0, time.UTC)
	return &t
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// parseMonth parses a month string (numeric or name) into time.Month.
func parseMonth(month string) time.Month {
	if m, err := strconv.Atoi(month); err == nil && m >= 1 && m <= 12 {
		return time.Month(m)
	}
	if m, ok := monthNames[strings.ToLower(month)]; ok {
		return m
	}
	return time.January
}

// extractYearFromMedlineDate handles "2020 Jan-Feb", "2020 Spring" and "2020-2021".
func extractYearFromMedlineDate(medlineDate string) int {
	parts := strings.Fields(medlineDate)
	if len(parts) > 0 {
		yearStr := strings.Split(parts[0], "-")[0]
		if year, err := strconv.Atoi(yearStr); err == nil {
			return year
		}
	}
	return 0
}

// extractAbstract concatenates labeled abstract sections into a single string.
func extractAbstract(abstract *Abstract) string {
	if abstract == nil || len(abstract.AbstractTexts) == 0 {
		return ""
	}
	if len(abstract.AbstractTexts) == 1 && abstract.AbstractTexts[0].Label == "" {
		return strings.TrimSpace(abstract.AbstractTexts[0].Value)
	}

	var parts []string
	for _, at := range abstract.AbstractTexts {
		text := strings.TrimSpace(at.Value)
		if text == "" {
			continue
		}
		if at.Label != "" {
			parts = append(parts, at.Label+": "+text)
		} else {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// extractAuthors renders the author list the way PubMed citations do,
// "Smith JA; Johnson E; CRISPR Research Consortium".
func extractAuthors(authorList *AuthorList) string {
	if authorList == nil {
		return ""
	}

	names := make([]string, 0, len(authorList.Authors))
	for _, a := range authorList.Authors {
		if a.ValidYN == "N" {
			continue
		}
		var name string
		switch {
		case a.CollectiveName != "":
			name = a.CollectiveName
		case a.LastName != "" && a.Initials != "":
			name = a.LastName + " " + a.Initials
		case a.LastName != "":
			name = a.LastName
		default:
			name = a.ForeName
		}
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return strings.Join(names, "; ")
}

func extractPublicationTypes(list *PublicationTypeList) []string {
	if list == nil {
		return nil
	}
	types := make([]string, 0, len(list.PublicationTypes))
	for _, pt := range list.PublicationTypes {
		if v := strings.TrimSpace(pt.Value); v != "" {
			types = append(types, v)
		}
	}
	return types
}

func extractPages(pagination *Pagination) string {
	if pagination == nil {
		return ""
	}
	if pagination.MedlinePgn != "" {
		return pagination.MedlinePgn
	}
	if pagination.StartPage != "" {
		if pagination.EndPage != "" && pagination.EndPage != pagination.StartPage {
			return pagination.StartPage + "-" + pagination.EndPage
		}
		return pagination.StartPage
	}
	return ""
}
