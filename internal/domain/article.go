package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatsSignal is the structured statistics-quality signal derived from an abstract.
type StatsSignal struct {
	Score        float64  `json:"score"`
	HasPValues   bool     `json:"has_p_values"`
	HasCI        bool     `json:"has_confidence_intervals"`
	HasEffect    bool     `json:"has_effect_size"`
	SampleSize   int      `json:"sample_size,omitempty"`
	Methods      []string `json:"methods,omitempty"`
	DetectedWith string   `json:"detected_with,omitempty"`
}

// Article is the canonical bibliographic record.
// At most one Article exists per non-null AccessionID and per non-null DOI.
type Article struct {
	ID                 uuid.UUID
	AccessionID        *int64
	DOI                string
	Title              string
	Abstract           string
	Authors            []string
	Year               int
	Journal            string
	Source             SourceType
	StatsScore         *float64
	Stats              *StatsSignal
	PublicationTypes   []string
	RawPayload         json.RawMessage
	ReferenceIDs       []int64
	CitedByIDs         []int64
	NeighborsAt        *time.Time
	TitleTranslated    string
	AbstractTranslated string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EmbeddingText returns the text used as embedding input: title and abstract.
func (a *Article) EmbeddingText() string {
	title := strings.TrimSpace(a.Title)
	abstract := strings.TrimSpace(a.Abstract)
	switch {
	case title == "":
		return abstract
	case abstract == "":
		return title
	default:
		return title + "\n\n" + abstract
	}
}

// SourceRecord is a single article payload as returned by an external source.
// Any identifier may be absent.
type SourceRecord struct {
	AccessionID *int64
	DOI         string
	Title       string
	Abstract    string
	// Authors is the free-text author string as the source renders it.
	Authors          string
	Year             int
	Journal          string
	Source           SourceType
	PublicationTypes []string
	Raw              json.RawMessage
}

// NormalizedDOI returns the record's DOI in canonical form.
func (r SourceRecord) NormalizedDOI() string {
	return NormalizeDOI(r.DOI)
}

// ProjectArticle is the membership of an Article in a project's working set.
type ProjectArticle struct {
	ProjectID   uuid.UUID
	ArticleID   uuid.UUID
	Status      ProjectArticleStatus
	SourceQuery string
	SourceJobID *uuid.UUID
	AddedBy     string
	CreatedAt   time.Time
}

// ArticleEmbedding is one vector per article, tagged with the generating model.
type ArticleEmbedding struct {
	ArticleID  uuid.UUID
	Model      string
	Vector     []float32
	Dimensions int
	UpdatedAt  time.Time
}

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi.org/",
	"doi:",
}

// NormalizeDOI trims, lower-cases and strips resolver prefixes from a DOI.
// It returns "" for values that are not DOIs.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, p := range doiPrefixes {
		if strings.HasPrefix(d, p) {
			d = strings.TrimSpace(d[len(p):])
			break
		}
	}
	if !strings.HasPrefix(d, "10.") {
		return ""
	}
	return d
}

// SplitAuthors splits a free-text author string into an ordered list of names.
// Semicolons take precedence over commas as separators; a trailing "et al." is dropped.
func SplitAuthors(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, ";") {
		sep = ";"
	}

	parts := strings.Split(s, sep)
	authors := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" || strings.EqualFold(strings.TrimSuffix(name, "."), "et al") {
			continue
		}
		authors = append(authors, name)
	}
	return authors
}

// UnionPublicationTypes merges add into current. It returns the sorted union and whether
// the union is strictly larger than current.
func UnionPublicationTypes(current, add []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(current)+len(add))
	for _, t := range current {
		seen[t] = struct{}{}
	}
	before := len(seen)
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		seen[t] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, len(seen) > before
}
