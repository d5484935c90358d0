package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForModel(t *testing.T) {
	tests := []struct {
		model    string
		wantName string
	}{
		{"gpt-4o", "tiktoken[o200k_base]"},
		{"gpt-4o-mini", "tiktoken[o200k_base]"},
		{"gpt-4", "tiktoken[cl100k_base]"},
		{"gpt-3.5-turbo", "tiktoken[cl100k_base]"},
		{"gpt-3.5-turbo-0125", "tiktoken[cl100k_base]"}, // prefix match
		{"claude-3-opus", "estimator"},
		{"", "estimator"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			c := ForModel(tt.model)
			assert.Equal(t, tt.wantName, c.Name())
		})
	}
}

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()

	t.Run("empty", func(t *testing.T) {
		n, err := e.CountTokens("")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("minimum one token", func(t *testing.T) {
		n, err := e.CountTokens("ab")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("ascii ratio", func(t *testing.T) {
		// 40 ASCII characters at ~4 chars per token.
		n, err := e.CountTokens(strings.Repeat("word ", 8))
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})

	t.Run("cjk denser than ascii", func(t *testing.T) {
		ascii, err := e.CountTokens(strings.Repeat("a", 12))
		require.NoError(t, err)
		cjk, err := e.CountTokens(strings.Repeat("房", 12))
		require.NoError(t, err)
		assert.Greater(t, cjk, ascii)
	})
}

func TestEstimator_Monotonic(t *testing.T) {
	e := NewEstimator()

	short, err := e.CountTokens("list three bedrooms")
	require.NoError(t, err)
	long, err := e.CountTokens(strings.Repeat("list three bedrooms with a garden view ", 10))
	require.NoError(t, err)
	assert.Greater(t, long, short)
}
