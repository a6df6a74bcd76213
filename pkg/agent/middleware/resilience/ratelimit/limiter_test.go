package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/internal/mocks"
	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

func TestTokenBucketRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{TokensPerMinute: 6000, MaxConcurrency: 5})
	assert.Equal(t, 5400, limiter.Stats().AvailableTokens)

	release, err := limiter.Acquire(context.Background(), 3000)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 2400, limiter.Stats().AvailableTokens)

	limiter.refill()
	assert.Equal(t, 3000, limiter.Stats().AvailableTokens)
}

func TestTokenBucketCapacity(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{TokensPerMinute: 1000})
	for range 5 {
		limiter.refill()
	}
	assert.Equal(t, 900, limiter.Stats().AvailableTokens)
}

func TestOversizedRequestRejected(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{TokensPerMinute: 1000})
	_, err := limiter.Acquire(context.Background(), 5000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket holds 900")
}

func TestAcquireWaitsForTokens(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{TokensPerMinute: 1000})
	release, err := limiter.Acquire(context.Background(), 900)
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(ctx, 100)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), limiter.Stats().TokenLimitHits)
}

func TestConcurrencyLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{MaxConcurrency: 2})

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background(), 1)
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, limiter.Stats().ActiveRequests)
}

func TestReleaseIsIdempotent(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{MaxConcurrency: 1})
	release, err := limiter.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, limiter.Stats().ActiveRequests)
}

func TestRegistrySharesLimiters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry(ctx)

	assert.Nil(t, reg.For("anthropic", Config{}))
	a := reg.For("anthropic", Config{TokensPerMinute: 1000})
	b := reg.For("anthropic", Config{TokensPerMinute: 1000})
	assert.Same(t, a, b)
	assert.Contains(t, reg.AllStats(), "anthropic")
}

func TestMiddlewareHoldsSlotForStream(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-provider", Config{MaxConcurrency: 1})
	client := mocks.NewMockLLMClient()
	client.StreamContent("a", "b")
	wrapped := llm.Chain(client, Middleware(limiter, nil))

	events, err := wrapped.Stream(context.Background(), llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Stats().ActiveRequests)

	msg, err := llm.Fold(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "ab", msg.Content)

	assert.Eventually(t, func() bool { return limiter.Stats().ActiveRequests == 0 }, time.Second, 5*time.Millisecond)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	client := mocks.NewMockLLMClient()
	wrapped := Middleware(nil, nil)(client)
	assert.Same(t, client, wrapped)
}
