// Package config loads the workflow file that drives a turn and the runtime
// settings of the process.
//
// The workflow (agents, providers, models, permission rules, compaction,
// retry, tool limits and MCP servers) is a YAML document decoded strictly,
// defaulted and validated before use. A Store holds the current workflow and
// can reload it when the file changes; the orchestrator reads Store.Current
// once at the start of every turn so a reload never changes a running turn.
//
// Runtime settings (where the workflow and database live, logging, metrics)
// come from viper and may be overridden with REFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// Configuration and identity errors. These are fatal to a turn.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrNoActiveProvider = errors.New("no active provider")
	ErrNoActiveModel    = errors.New("no active model")
	ErrAuthInProgress   = errors.New("provider login in progress")
	ErrNoCredential     = errors.New("no credential for provider")
)

// Provider constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variables consulted for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	DefaultOllamaHost = "http://localhost:11434"
)

//nolint:gochecknoglobals // package logger
var logger *logx.Logger

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels holds pricing and limits for common models. Unknown models are
// inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"claude-haiku-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         1.0,
		OutputCPM:        5.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 400000,
		MaxOutputTokens:  128000,
	},
	"gpt-4.1": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.0,
		OutputCPM:        8.0,
		MaxContextTokens: 1047576,
		MaxOutputTokens:  32768,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.0,
		OutputCPM:        8.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  100000,
	},
	"gemini-2.5-pro": {
		Provider:         ProviderGoogle,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.3,
		OutputCPM:        2.5,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"qwen2.5-coder:32b": {
		Provider:         ProviderOllama,
		MaxContextTokens: 32768,
		MaxOutputTokens:  8192,
	},
	"llama3.1:8b": {
		Provider:         ProviderOllama,
		MaxContextTokens: 131072,
		MaxOutputTokens:  4096,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// IsKnownProvider reports whether kind names a supported vendor.
func IsKnownProvider(kind string) bool {
	switch kind {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		return true
	}
	return false
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name. For unknown models
// it returns conservative limits with the inferred provider and false.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// CalculateCost returns the USD cost of a request for a known model; unknown
// models cost zero.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*info.InputCPM + float64(completionTokens)/1e6*info.OutputCPM
}
