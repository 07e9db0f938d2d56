package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/stats"
)

// Stage is a best-effort post-processing step applied to each article created by a
// search. A failing article does not stop the stage for the others.
type Stage interface {
	Name() string
	Apply(ctx context.Context, article *domain.Article) error
}

// CrossRefLookup finds the record another index holds for an identifier.
type CrossRefLookup interface {
	LookupByDOI(ctx context.Context, doi string) (*domain.SourceRecord, error)
	LookupByAccessionID(ctx context.Context, accessionID int64) (*domain.SourceRecord, error)
}

// IdentifierStore backfills identifiers on stored articles.
type IdentifierStore interface {
	FillIdentifiers(ctx context.Context, id uuid.UUID, accessionID *int64, doi string) error
}

// CrossRefStage fills in the identifier an article is missing from a cross-reference index.
type CrossRefStage struct {
	lookup CrossRefLookup
	store  IdentifierStore
}

// NewCrossRefStage creates the cross-reference enrichment stage.
func NewCrossRefStage(lookup CrossRefLookup, store IdentifierStore) *CrossRefStage {
	return &CrossRefStage{lookup: lookup, store: store}
}

// Name implements Stage.
func (s *CrossRefStage) Name() string { return "crossref" }

// Apply looks up the missing DOI or accession id. Articles with both or neither are left alone.
func (s *CrossRefStage) Apply(ctx context.Context, article *domain.Article) error {
	var (
		record *domain.SourceRecord
		err    error
	)
	switch {
	case article.AccessionID != nil && article.DOI == "":
		record, err = s.lookup.LookupByAccessionID(ctx, *article.AccessionID)
	case article.AccessionID == nil && article.DOI != "":
		record, err = s.lookup.LookupByDOI(ctx, article.DOI)
	default:
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cross-reference lookup: %w", err)
	}

	var accessionID *int64
	var doi string
	if article.AccessionID == nil && record.AccessionID != nil {
		accessionID = record.AccessionID
	}
	if article.DOI == "" {
		doi = record.NormalizedDOI()
	}
	if accessionID == nil && doi == "" {
		return nil
	}

	if err := s.store.FillIdentifiers(ctx, article.ID, accessionID, doi); err != nil {
		return fmt.Errorf("fill identifiers: %w", err)
	}
	if accessionID != nil {
		article.AccessionID = accessionID
	}
	if doi != "" {
		article.DOI = doi
	}
	return nil
}

// TranslationStore stores translated text.
type TranslationStore interface {
	UpdateTranslation(ctx context.Context, id uuid.UUID, title, abstract string) error
}

// TranslationStage translates titles and abstracts that are not in the target language.
type TranslationStage struct {
	translator llm.Translator
	store      TranslationStore
	target     string
}

// NewTranslationStage creates the translation stage for targetLanguage.
func NewTranslationStage(translator llm.Translator, store TranslationStore, targetLanguage string) *TranslationStage {
	if strings.TrimSpace(targetLanguage) == "" {
		targetLanguage = "English"
	}
	return &TranslationStage{translator: translator, store: store, target: targetLanguage}
}

// Name implements Stage.
func (s *TranslationStage) Name() string { return "translation" }

// Apply translates the article and stores the result when the text changed.
func (s *TranslationStage) Apply(ctx context.Context, article *domain.Article) error {
	if article.Title == "" && article.Abstract == "" {
		return nil
	}
	res, err := s.translator.Translate(ctx, llm.TranslationInput{
		Title:    article.Title,
		Abstract: article.Abstract,
	}, s.target)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}
	if !res.Changed {
		return nil
	}
	if err := s.store.UpdateTranslation(ctx, article.ID, res.Title, res.Abstract); err != nil {
		return fmt.Errorf("store translation: %w", err)
	}
	article.TitleTranslated = res.Title
	article.AbstractTranslated = res.Abstract
	return nil
}

// StatsStore stores statistics signals.
type StatsStore interface {
	UpdateStats(ctx context.Context, id uuid.UUID, signal *domain.StatsSignal) error
}

// StatsStage runs statistics detection over the abstract.
type StatsStage struct {
	detector stats.Detector
	store    StatsStore
}

// NewStatsStage creates the statistics detection stage.
func NewStatsStage(detector stats.Detector, store StatsStore) *StatsStage {
	return &StatsStage{detector: detector, store: store}
}

// Name implements Stage.
func (s *StatsStage) Name() string { return "stats" }

// Apply detects the signal, preferring the translated abstract when there is one.
func (s *StatsStage) Apply(ctx context.Context, article *domain.Article) error {
	text := article.AbstractTranslated
	if text == "" {
		text = article.Abstract
	}
	signal, err := s.detector.Detect(ctx, text)
	if err != nil {
		return fmt.Errorf("detect statistics: %w", err)
	}
	if signal == nil {
		return nil
	}
	if err := s.store.UpdateStats(ctx, article.ID, signal); err != nil {
		return fmt.Errorf("store statistics: %w", err)
	}
	article.Stats = signal
	score := signal.Score
	article.StatsScore = &score
	return nil
}
