package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDOI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "10.1000/ABC.123", expected: "10.1000/abc.123"},
		{name: "whitespace", input: "  10.1000/xyz  ", expected: "10.1000/xyz"},
		{name: "https resolver", input: "https://doi.org/10.1000/XYZ", expected: "10.1000/xyz"},
		{name: "dx resolver", input: "http://dx.doi.org/10.5555/a", expected: "10.5555/a"},
		{name: "doi scheme", input: "doi:10.1234/B", expected: "10.1234/b"},
		{name: "empty", input: "", expected: ""},
		{name: "not a doi", input: "pmid:12345", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeDOI(tt.input))
		})
	}
}

func TestSplitAuthors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "comma separated", input: "Smith J, Doe A, Lee K", expected: []string{"Smith J", "Doe A", "Lee K"}},
		{name: "semicolon wins", input: "Smith, John; Doe, Anne", expected: []string{"Smith, John", "Doe, Anne"}},
		{name: "drops et al", input: "Smith J, Doe A, et al.", expected: []string{"Smith J", "Doe A"}},
		{name: "drops empty parts", input: "Smith J,, ,Doe A", expected: []string{"Smith J", "Doe A"}},
		{name: "keeps trailing initial", input: "Curie M.", expected: []string{"Curie M."}},
		{name: "initials with et al", input: "Smith J., Doe A.B., et al", expected: []string{"Smith J.", "Doe A.B."}},
		{name: "et al without dot", input: "Smith J; ET AL", expected: []string{"Smith J"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitAuthors(tt.input))
		})
	}
}

func TestUnionPublicationTypes(t *testing.T) {
	t.Run("grows", func(t *testing.T) {
		got, grew := UnionPublicationTypes([]string{"Review"}, []string{"Clinical Trial"})
		assert.True(t, grew)
		assert.Equal(t, []string{"Clinical Trial", "Review"}, got)
	})

	t.Run("subset does not grow", func(t *testing.T) {
		got, grew := UnionPublicationTypes([]string{"Review", "Meta-Analysis"}, []string{"Review"})
		assert.False(t, grew)
		assert.Equal(t, []string{"Meta-Analysis", "Review"}, got)
	})

	t.Run("empty additions ignored", func(t *testing.T) {
		_, grew := UnionPublicationTypes(nil, []string{"", "  "})
		assert.False(t, grew)
	})

	t.Run("order independent", func(t *testing.T) {
		sets := [][]string{{"A"}, {"B", "C"}, {"A", "D"}}
		var forward, backward []string
		for _, s := range sets {
			forward, _ = UnionPublicationTypes(forward, s)
		}
		for i := len(sets) - 1; i >= 0; i-- {
			backward, _ = UnionPublicationTypes(backward, sets[i])
		}
		assert.Equal(t, []string{"A", "B", "C", "D"}, forward)
		assert.Equal(t, forward, backward)
	})
}

func TestArticle_EmbeddingText(t *testing.T) {
	a := &Article{Title: " Title ", Abstract: "Body"}
	assert.Equal(t, "Title\n\nBody", a.EmbeddingText())

	a = &Article{Abstract: "Only body"}
	assert.Equal(t, "Only body", a.EmbeddingText())

	a = &Article{}
	assert.Empty(t, a.EmbeddingText())
}
