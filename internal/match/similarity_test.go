package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEditDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected int
	}{
		{name: "identical", a: "kitten", b: "kitten", expected: 0},
		{name: "classic kitten sitting", a: "kitten", b: "sitting", expected: 3},
		{name: "empty vs word", a: "", b: "khan", expected: 4},
		{name: "word vs empty", a: "khan", b: "", expected: 4},
		{name: "both empty", a: "", b: "", expected: 0},
		{name: "single substitution", a: "ali", b: "aly", expected: 1},
		{name: "unicode counts runes not bytes", a: "müller", b: "muller", expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EditDistance(tt.a, tt.b))
		})
	}
}

func TestSimilarity(t *testing.T) {
	t.Run("identical strings score 100", func(t *testing.T) {
		assert.Equal(t, 100, Similarity("ali khan", "ali khan"))
	})

	t.Run("empty against non-empty scores 0", func(t *testing.T) {
		assert.Equal(t, 0, Similarity("", "x"))
		assert.Equal(t, 0, Similarity("x", ""))
	})

	t.Run("both empty are identical", func(t *testing.T) {
		assert.Equal(t, 100, Similarity("", ""))
	})

	t.Run("scales by longer string", func(t *testing.T) {
		// distance 1 over length 5 => round(80)
		assert.Equal(t, 80, Similarity("khan", "khano"))
		// distance 3 over length 7 => round(57.14)
		assert.Equal(t, 57, Similarity("kitten", "sitting"))
	})

	t.Run("symmetric", func(t *testing.T) {
		assert.Equal(t, Similarity("ali khan", "khan ali"), Similarity("khan ali", "ali khan"))
	})
}

func TestFuzzyNameMatch(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		first     string
		last      string
		expected  int
	}{
		{
			name:      "exact first last",
			candidate: "Ali Khan",
			first:     "Ali",
			last:      "Khan",
			expected:  100,
		},
		{
			name:      "reversed order",
			candidate: "Khan Ali",
			first:     "Ali",
			last:      "Khan",
			expected:  100,
		},
		{
			name:      "first name only record",
			candidate: "Ali",
			first:     "Ali",
			last:      "",
			expected:  100,
		},
		{
			name:      "case and punctuation ignored",
			candidate: "ali  khan.",
			first:     "ALI",
			last:      "Khan",
			expected:  100,
		},
		{
			name:      "unrelated names score low",
			candidate: "Fatima Noor",
			first:     "Ali",
			last:      "Khan",
			expected:  27,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FuzzyNameMatch(tt.candidate, tt.first, tt.last))
		})
	}
}
