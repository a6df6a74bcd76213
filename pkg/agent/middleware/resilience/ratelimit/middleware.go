package ratelimit

import (
	"context"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// Middleware acquires the estimated prompt plus max output tokens from limiter
// before each call. The concurrency slot is held until Complete returns or the
// stream closes. A nil limiter disables the middleware.
func Middleware(limiter Limiter, estimator TokenEstimator) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		if limiter == nil {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				release, err := limiter.Acquire(ctx, estimator.EstimatePrompt(&req)+req.MaxTokens)
				if err != nil {
					return llm.ChatCompletionMessage{}, err
				}
				defer release()
				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				release, err := limiter.Acquire(ctx, estimator.EstimatePrompt(&req)+req.MaxTokens)
				if err != nil {
					return nil, err
				}
				in, err := next.Stream(ctx, req)
				if err != nil {
					release()
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				out := make(chan llm.StreamEvent)
				go func() {
					defer close(out)
					defer release()
					for ev := range in {
						if !llm.Emit(ctx, out, ev) {
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
