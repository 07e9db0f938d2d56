// Package domain provides the domain models shared by the literature ingestion pipeline:
// articles, project membership, background jobs and embeddings.
package domain

// SourceType represents the external bibliographic source that provided an article.
// These values must match the articles.source column values.
type SourceType string

const (
	SourceTypePubMed   SourceType = "pubmed"
	SourceTypeOpenAlex SourceType = "openalex"
)

// ProjectArticleStatus represents the workflow status of an article inside a project.
type ProjectArticleStatus string

const (
	ProjectArticleStatusCandidate ProjectArticleStatus = "candidate"
	ProjectArticleStatusSelected  ProjectArticleStatus = "selected"
	ProjectArticleStatusExcluded  ProjectArticleStatus = "excluded"
	ProjectArticleStatusDeleted   ProjectArticleStatus = "deleted"
)

// IsValid reports whether s is a known project article status.
func (s ProjectArticleStatus) IsValid() bool {
	switch s {
	case ProjectArticleStatusCandidate, ProjectArticleStatusSelected,
		ProjectArticleStatusExcluded, ProjectArticleStatusDeleted:
		return true
	default:
		return false
	}
}
