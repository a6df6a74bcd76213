// Package ratelimit keeps provider calls under a vendor's token-per-minute
// and concurrency quotas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// BufferFactor keeps the bucket below the vendor quota to absorb estimate error.
const BufferFactor = 0.9

const (
	refillInterval = 6 * time.Second // ten refills per minute
	pollInterval   = 100 * time.Millisecond
)

// Limiter hands out tokens and concurrency slots.
type Limiter interface {
	// Acquire blocks until tokens and a slot are available or ctx is done.
	// The returned release func gives the slot back; tokens are not refunded.
	Acquire(ctx context.Context, tokens int) (release func(), err error)

	Stats() Stats
}

// TokenEstimator estimates the prompt size of a request.
type TokenEstimator interface {
	EstimatePrompt(req *llm.CompletionRequest) int
}

// Config is the quota of one provider. Zero fields are unlimited.
type Config struct {
	TokensPerMinute int `yaml:"tokens_per_minute"`
	MaxConcurrency  int `yaml:"max_concurrency"`
}

// Stats is a snapshot of a limiter.
type Stats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

type tiktokenEstimator struct{}

// NewDefaultTokenEstimator counts message text with tiktoken.
func NewDefaultTokenEstimator() TokenEstimator {
	return tiktokenEstimator{}
}

func (tiktokenEstimator) EstimatePrompt(req *llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += utils.CountTokensSimple(req.Messages[i].Content)
		for _, r := range req.Messages[i].ToolResults {
			total += utils.CountTokensSimple(r.Content)
		}
	}
	return total
}

// TokenBucketLimiter combines a token bucket with a concurrency semaphore.
//
//nolint:govet // fieldalignment: readability over layout
type TokenBucketLimiter struct {
	mu       sync.Mutex
	provider string
	logger   *logx.Logger

	availableTokens int
	tokensPerRefill int
	maxCapacity     int

	activeRequests int
	maxConcurrency int

	tokenLimitHits  int64
	concurrencyHits int64
}

// NewTokenBucketLimiter creates a full bucket for provider. Call Start to refill it.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	capacity := int(float64(cfg.TokensPerMinute) * BufferFactor)
	return &TokenBucketLimiter{
		provider:        provider,
		logger:          logx.NewLogger("ratelimit"),
		availableTokens: capacity,
		tokensPerRefill: cfg.TokensPerMinute / 10,
		maxCapacity:     capacity,
		maxConcurrency:  cfg.MaxConcurrency,
	}
}

// Acquire implements Limiter. A request larger than the whole bucket is
// rejected rather than left waiting forever.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	if l.maxCapacity > 0 && tokens > l.maxCapacity {
		return nil, fmt.Errorf("%s: request needs %d tokens, bucket holds %d", l.provider, tokens, l.maxCapacity)
	}

	waiting := false
	for {
		l.mu.Lock()
		hasTokens := l.maxCapacity == 0 || l.availableTokens >= tokens
		hasSlot := l.maxConcurrency == 0 || l.activeRequests < l.maxConcurrency
		if hasTokens && hasSlot {
			if l.maxCapacity > 0 {
				l.availableTokens -= tokens
			}
			l.activeRequests++
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(l.release) }, nil
		}
		if !waiting {
			if !hasTokens {
				l.tokenLimitHits++
				l.logger.Info("%s token limit hit, waiting for refill (need %d, have %d)", l.provider, tokens, l.availableTokens)
			}
			if !hasSlot {
				l.concurrencyHits++
				l.logger.Info("%s concurrency limit hit (active %d/%d)", l.provider, l.activeRequests, l.maxConcurrency)
			}
			waiting = true
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // Context error propagated as-is
		case <-time.After(pollInterval):
		}
	}
}

func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeRequests--
}

// Start refills the bucket until ctx is done.
func (l *TokenBucketLimiter) Start(ctx context.Context) {
	if l.tokensPerRefill <= 0 {
		return
	}
	ticker := time.NewTicker(refillInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refill()
			}
		}
	}()
}

func (l *TokenBucketLimiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.availableTokens = min(l.availableTokens+l.tokensPerRefill, l.maxCapacity)
}

// Stats implements Limiter.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Provider:        l.provider,
		AvailableTokens: l.availableTokens,
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}

// Registry shares one limiter per provider name across every client built for it.
type Registry struct {
	ctx context.Context //nolint:containedctx // refill lifetime

	mu       sync.Mutex
	limiters map[string]*TokenBucketLimiter
}

// NewRegistry creates a registry whose refill timers stop when ctx is done.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{ctx: ctx, limiters: make(map[string]*TokenBucketLimiter)}
}

// For returns the limiter for provider, creating it from cfg on first use.
// It returns nil when cfg sets no limits.
func (r *Registry) For(provider string, cfg Config) Limiter {
	if cfg.TokensPerMinute <= 0 && cfg.MaxConcurrency <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := NewTokenBucketLimiter(provider, cfg)
	l.Start(r.ctx)
	r.limiters[provider] = l
	return l
}

// AllStats returns a snapshot of every limiter.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Stats()
	}
	return out
}
