package papersources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Registry holds the configured paper sources by type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[domain.SourceType]PaperSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[domain.SourceType]PaperSource)}
}

// Register adds source, replacing any source of the same type.
func (r *Registry) Register(source PaperSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.SourceType()] = source
}

// Get returns the source of the given type, or nil.
func (r *Registry) Get(sourceType domain.SourceType) PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[sourceType]
}

// EnabledSources returns the enabled sources ordered by type.
func (r *Registry) EnabledSources() []PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]PaperSource, 0, len(r.sources))
	for _, s := range r.sources {
		if s.IsEnabled() {
			sources = append(sources, s)
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].SourceType() < sources[j].SourceType()
	})
	return sources
}

// Select resolves requested source types. An empty request selects every enabled
// source. An unknown or disabled type is a validation error, reported before any
// source is used.
func (r *Registry) Select(requested []domain.SourceType) ([]PaperSource, error) {
	if len(requested) == 0 {
		sources := r.EnabledSources()
		if len(sources) == 0 {
			return nil, domain.NewValidationError("sources", "no paper source is enabled")
		}
		return sources, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[domain.SourceType]struct{}, len(requested))
	sources := make([]PaperSource, 0, len(requested))
	for _, st := range requested {
		if _, dup := seen[st]; dup {
			continue
		}
		seen[st] = struct{}{}

		s, ok := r.sources[st]
		if !ok {
			return nil, domain.NewValidationError("sources", fmt.Sprintf("unknown source %q", st))
		}
		if !s.IsEnabled() {
			return nil, domain.NewValidationError("sources", fmt.Sprintf("source %q is disabled", st))
		}
		sources = append(sources, s)
	}
	return sources, nil
}
