package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounter(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-sonnet-4", "gemini-2.5-pro", "unknown-model"} {
		t.Run(model, func(t *testing.T) {
			counter, err := NewTokenCounter(model)
			require.NoError(t, err)
			assert.NotNil(t, counter)
		})
	}
}

func TestCountTokens(t *testing.T) {
	counter := DefaultTokenCounter()
	assert.Zero(t, counter.CountTokens(""))
	assert.Positive(t, counter.CountTokens("Hello, world!"))

	short := counter.CountTokens("func main() {}")
	long := counter.CountTokens(strings.Repeat("func main() {}\n", 50))
	assert.Greater(t, long, short)
}

func TestNilCounterFallsBackToEstimate(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, 2, counter.CountTokens("12345678"))
	assert.Equal(t, 1, (&TokenCounter{}).CountTokens("abc"))
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter := DefaultTokenCounter()
	text := strings.Repeat("word ", 1000)

	truncated := counter.TruncateToTokenLimit(text, 100)
	assert.Less(t, len(truncated), len(text))
	assert.True(t, strings.HasSuffix(truncated, "..."))
	assert.True(t, counter.ValidateTokenLimit(strings.TrimSuffix(truncated, "..."), 100))

	assert.Equal(t, "short", counter.TruncateToTokenLimit("short", 100))
}
