package retry

import (
	"context"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// Middleware returns a middleware that retries failed requests according to policy.
//
// Complete is replayed in full on every attempt. Stream retries only the
// establishment of the stream; once a channel has been handed to the caller the
// events are never resumed or replayed.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				var resp llm.ChatCompletionMessage
				attempts, err := Do(ctx, policy, func(ctx context.Context) error {
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					return callErr
				})
				if err != nil {
					if attempts > 1 {
						logger.Warn("%s: giving up after %d attempts: %v", next.GetModelName(), attempts, err)
					}
					return llm.ChatCompletionMessage{}, err
				}
				return resp, nil
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				var ch <-chan llm.StreamEvent
				_, err := Do(ctx, policy, func(ctx context.Context) error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr
				})
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			next.GetModelName,
		)
	}
}
