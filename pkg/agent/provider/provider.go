// Package provider selects a vendor adapter once, at configuration time, and
// wraps it in the middleware chain every provider call goes through.
//
// The chain, outermost first, is:
//
//	metrics -> empty-reply validation -> circuit breaker -> retry -> rate limit -> timeout -> pipeline -> vendor client
//
// Each vendor kind owns a fixed pipeline returned by PipelineFor. Nothing
// after construction branches on the vendor.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/internal/llmimpl/anthropic"
	"github.com/sternelee/reforge-sub005/pkg/agent/internal/llmimpl/google"
	"github.com/sternelee/reforge-sub005/pkg/agent/internal/llmimpl/ollama"
	"github.com/sternelee/reforge-sub005/pkg/agent/internal/llmimpl/openaiofficial"
	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/metrics"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/circuit"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/ratelimit"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/retry"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/timeout"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/validation"
	"github.com/sternelee/reforge-sub005/pkg/agent/pipeline"
	"github.com/sternelee/reforge-sub005/pkg/config"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// Kind is a vendor family.
type Kind string

// Supported kinds.
const (
	KindAnthropic Kind = config.ProviderAnthropic
	KindOpenAI    Kind = config.ProviderOpenAI
	KindGoogle    Kind = config.ProviderGoogle
	KindOllama    Kind = config.ProviderOllama
)

// ParseKind validates a configured provider kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAnthropic, KindOpenAI, KindGoogle, KindOllama:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Adapter is a ready-to-use client for one vendor and model.
type Adapter struct {
	Kind     Kind
	Pipeline pipeline.Pipeline
	// Client is the full middleware chain.
	Client llm.LLMClient
}

// RawFactory builds the vendor client. secret is an API key, or the host URL for Ollama.
type RawFactory func(kind Kind, secret, baseURL, model string) llm.LLMClient

// Options are per-call chain settings, usually taken from the workflow.
type Options struct {
	Retry      retry.Config
	Resilience config.Resilience
}

// OptionsFrom extracts chain settings from w.
func OptionsFrom(w *config.Workflow) Options {
	return Options{Retry: w.Retry, Resilience: w.Resilience}
}

// Factory builds adapters. Circuit breakers and rate limiters are shared by
// every adapter built for the same provider name.
type Factory struct {
	recorder    metrics.Recorder
	credentials config.CredentialLookup
	limiters    *ratelimit.Registry
	raw         RawFactory
	logger      *logx.Logger

	mu       sync.Mutex
	breakers map[string]circuit.Breaker
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithRawFactory replaces the vendor client constructor.
func WithRawFactory(fn RawFactory) FactoryOption {
	return func(f *Factory) { f.raw = fn }
}

// WithCredentials sets the stored-credential lookup used when no environment key is set.
func WithCredentials(store config.CredentialLookup) FactoryOption {
	return func(f *Factory) { f.credentials = store }
}

// NewFactory creates a factory. Rate limiter refills stop when ctx is done.
func NewFactory(ctx context.Context, recorder metrics.Recorder, opts ...FactoryOption) *Factory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	f := &Factory{
		recorder: recorder,
		limiters: ratelimit.NewRegistry(ctx),
		raw:      NewRawClient,
		logger:   logx.NewLogger("provider"),
		breakers: make(map[string]circuit.Breaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New builds the adapter for provider name p and model. Credential errors,
// including config.ErrAuthInProgress, are returned unmodified.
//
//nolint:gocritic // Provider passed by value as read from the workflow
func (f *Factory) New(ctx context.Context, name string, p config.Provider, model string, opts Options) (*Adapter, error) {
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: provider %s", config.ErrNoActiveModel, name)
	}
	secret, err := config.ResolveCredential(ctx, name, p, f.credentials)
	if err != nil {
		return nil, err //nolint:wrapcheck // identity errors are surfaced unmodified
	}

	pl := PipelineFor(kind, model)
	policy := retry.NewPolicy(opts.Retry, nil)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		f.recorder.IncRetry(model)
		f.logger.Warn("%s/%s: attempt %d after %v: %v", name, model, attempt, delay.Round(time.Millisecond), err)
	}

	client := llm.Chain(f.raw(kind, secret, p.BaseURL, model),
		metrics.Middleware(f.recorder, name, f.logger),
		validation.NewEmptyResponseValidator().Middleware(),
		circuit.Middleware(f.breaker(name, opts.Resilience.CircuitBreaker)),
		retry.Middleware(policy),
		ratelimit.Middleware(f.limiters.For(name, p.RateLimit), nil),
		timeout.Middleware(opts.Resilience.RequestTimeout),
		pipeline.Middleware(pl),
	)
	return &Adapter{Kind: kind, Pipeline: pl, Client: client}, nil
}

// ForResolution builds the adapter for a resolved agent.
func (f *Factory) ForResolution(ctx context.Context, w *config.Workflow, r *config.Resolution) (*Adapter, error) {
	return f.New(ctx, r.ProviderName, r.Provider, r.Model.Name, OptionsFrom(w))
}

func (f *Factory) breaker(name string, cfg circuit.Config) circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		return b
	}
	b := circuit.New(cfg, circuit.WithStateChange(func(from, to circuit.State) {
		f.logger.Warn("provider %s circuit %s -> %s", name, from, to)
	}))
	f.breakers[name] = b
	return b
}

// NewRawClient constructs the vendor SDK client for kind.
func NewRawClient(kind Kind, secret, baseURL, model string) llm.LLMClient {
	switch kind {
	case KindAnthropic:
		return anthropic.NewClaudeClient(secret, baseURL, model)
	case KindOpenAI:
		return openaiofficial.NewOfficialClient(secret, baseURL, model)
	case KindGoogle:
		return google.NewGeminiClient(secret, baseURL, model)
	case KindOllama:
		return ollama.NewOllamaClient(secret, model)
	}
	panic(fmt.Sprintf("provider: unhandled kind %q", kind))
}

// PipelineFor returns the fixed stage list of kind. Models that cannot reason
// have reasoning directives stripped.
func PipelineFor(kind Kind, model string) pipeline.Pipeline {
	reasoning := pipeline.ReasoningDirectives(dialectOf(kind), "")
	if !SupportsReasoning(kind, model) {
		reasoning = disableReasoning
	}

	p := pipeline.Pipeline{
		Name: string(kind),
		Outbound: []pipeline.OutboundStage{
			pipeline.StripInvalidToolCalls,
			pipeline.NormalizeSchemas(dialectOf(kind)),
			reasoning,
		},
		Inbound: []pipeline.InboundStage{
			pipeline.DropEmptyToolCalls,
			pipeline.TrimContent,
		},
	}
	switch kind {
	case KindAnthropic:
		p.Outbound = append(p.Outbound, pipeline.CacheControlHints(2))
	case KindGoogle, KindOllama:
		p.Inbound = append([]pipeline.InboundStage{pipeline.SynthesizeToolCallIDs}, p.Inbound...)
	}
	return p
}

func dialectOf(kind Kind) pipeline.Dialect {
	switch kind {
	case KindAnthropic:
		return pipeline.DialectAnthropic
	case KindOpenAI:
		return pipeline.DialectOpenAIStrict
	case KindGoogle:
		return pipeline.DialectGemini
	default:
		return pipeline.DialectOllama
	}
}

// SupportsReasoning reports whether model accepts thinking directives.
func SupportsReasoning(kind Kind, model string) bool {
	m := strings.ToLower(model)
	switch kind {
	case KindAnthropic:
		return !strings.HasPrefix(m, "claude-3-5") && !strings.HasPrefix(m, "claude-3-haiku")
	case KindOpenAI:
		return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") ||
			strings.HasPrefix(m, "o4") || strings.HasPrefix(m, "gpt-5")
	case KindGoogle:
		return strings.Contains(m, "2.5") || strings.Contains(m, "thinking")
	case KindOllama:
		return strings.Contains(m, "qwen3") || strings.Contains(m, "deepseek-r1") || strings.Contains(m, "gpt-oss")
	}
	return false
}

//nolint:gocritic // value semantics
func disableReasoning(req llm.CompletionRequest) llm.CompletionRequest {
	req.Reasoning = llm.ReasoningConfig{}
	return req
}
