// Package papersources holds the clients for the external bibliographic sources the
// pipeline ingests from, together with the shared rate-limited HTTP client and the
// source registry.
//
// Each source converts its own wire format into domain.SourceRecord values; identity
// resolution and project membership happen downstream.
//
//	src := pubmed.New(pubmed.Config{APIKey: key}, recorder)
//	res, err := src.Search(ctx, papersources.SearchParams{
//		Query:           "early mobilisation icu",
//		PublicationType: "Randomized Controlled Trial",
//		MaxResults:      100,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// SearchParams describes one page of a source search.
type SearchParams struct {
	// Query is the free-text query in the source's own syntax.
	Query string

	// PublicationType restricts results to a single publication type.
	// Empty means no restriction.
	PublicationType string

	// YearFrom and YearTo bound the publication year inclusively. Zero means unbounded.
	YearFrom int
	YearTo   int

	// MaxResults is the page size. Sources clamp it to their own limit.
	MaxResults int

	// Offset is the zero-based index of the first result.
	Offset int
}

// SearchResult is one page of source results.
type SearchResult struct {
	Records        []domain.SourceRecord
	TotalResults   int
	HasMore        bool
	NextOffset     int
	Source         domain.SourceType
	SearchDuration time.Duration
}

// PaperSource is implemented by every searchable bibliographic source.
type PaperSource interface {
	// Search returns one page of results for params.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// SourceType is the provenance tag stamped on records from this source.
	SourceType() domain.SourceType

	// Name is a human-readable name for logs.
	Name() string

	// IsEnabled reports whether the source may be used.
	IsEnabled() bool

	// MaxResults is the most results a single request may ask the source for.
	MaxResults() int
}

// LinkType names a neighbor relation in the accession-id graph.
type LinkType string

const (
	// LinkReferences lists the articles an article cites.
	LinkReferences LinkType = "pubmed_pubmed_refs"

	// LinkCitedBy lists the articles that cite an article.
	LinkCitedBy LinkType = "pubmed_pubmed_citedin"
)
