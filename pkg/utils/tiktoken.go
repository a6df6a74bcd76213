// Package utils provides token counting and small helpers shared across packages.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for model input.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model. Every vendor is
// approximated with the GPT-4 encoding; exact counts come back in provider usage.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return estimate(text)
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return estimate(text)
	}
	return count
}

// estimate is the character-based fallback (4 chars ≈ 1 token).
func estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     *TokenCounter
)

// DefaultTokenCounter returns a shared GPT-4 counter. It falls back to character
// estimates when the encoding cannot be loaded.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("default")
		if err != nil {
			counter = &TokenCounter{}
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokensSimple counts tokens with the shared counter.
func CountTokensSimple(text string) int {
	return DefaultTokenCounter().CountTokens(text)
}

// ValidateTokenLimit reports whether text fits within limit tokens.
func (tc *TokenCounter) ValidateTokenLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}

// TruncateToTokenLimit shortens text to roughly limit tokens. It cuts on rune
// boundaries proportionally, so the result may be slightly under the limit.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}

	runes := []rune(text)
	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(runes)) * ratio * 0.9)
	if charLimit >= len(runes) {
		return text
	}
	return string(runes[:charLimit]) + "..."
}
