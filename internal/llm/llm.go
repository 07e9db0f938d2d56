// Package llm provides clients for the OpenAI-compatible model APIs the pipeline
// depends on: text embeddings for the embedding worker and translation for search
// post-processing.
package llm

import "context"

// Embedder turns text into a dense vector.
type Embedder interface {
	// Embed returns the embedding for text. It returns domain.ErrNotConfigured when
	// the provider has no credentials.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model; stored vectors are tagged with it.
	Model() string

	// Configured reports whether credentials are present.
	Configured() bool
}

// TranslationInput is the article text to translate.
type TranslationInput struct {
	Title    string
	Abstract string
}

// TranslationResult holds the translated text. Changed is false when the input was
// already in the target language.
type TranslationResult struct {
	SourceLanguage string
	Title          string
	Abstract       string
	Changed        bool
}

// Translator translates article text into a target language.
type Translator interface {
	Translate(ctx context.Context, in TranslationInput, targetLanguage string) (*TranslationResult, error)
}
