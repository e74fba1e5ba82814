package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare object",
			input:    `{"item_type":"shoe"}`,
			expected: `{"item_type":"shoe"}`,
		},
		{
			name:     "json fence",
			input:    "```json\n{\"item_type\":\"bag\"}\n```",
			expected: `{"item_type":"bag"}`,
		},
		{
			name:     "plain fence",
			input:    "```\n{\"item_type\":\"bag\"}\n```",
			expected: `{"item_type":"bag"}`,
		},
		{
			name:     "prose around object",
			input:    "Here is my assessment:\n{\"item_type\":\"jacket\"}\nLet me know.",
			expected: `{"item_type":"jacket"}`,
		},
		{
			name:     "no object at all",
			input:    "I cannot tell.",
			expected: "I cannot tell.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleanJSON(tt.input))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000}
	assert.InDelta(t, 0.80+2.00, u.EstimateCost("claude-haiku-4-5-20251001"), 0.0001)
	assert.Zero(t, u.EstimateCost("some-unknown-model"))
}

func TestNewAnalyzer_Options(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer("test-key", WithModel("claude-sonnet-4-5-20250929"), WithMaxImages(3))
	sa, ok := a.(*sdkAnalyzer)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-5-20250929", sa.model)
	assert.Equal(t, 3, sa.maxImages)

	// Zero and negative image caps keep the default.
	sa = NewAnalyzer("test-key", WithMaxImages(0)).(*sdkAnalyzer)
	assert.Equal(t, 5, sa.maxImages)
}

func TestAssessItem_NoImages(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer("test-key")
	_, err := a.AssessItem(t.Context(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images")
}
