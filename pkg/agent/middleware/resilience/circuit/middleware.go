package circuit

import (
	"context"
	"errors"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

// Middleware rejects calls while breaker is open so a failing vendor gets time
// to recover. Only failures the vendor is responsible for count against it;
// auth and bad-prompt errors leave the breaker alone.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				if !breaker.Allow() {
					return llm.ChatCompletionMessage{}, rejection(breaker)
				}
				resp, err := next.Complete(ctx, req)
				record(breaker, err)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				if !breaker.Allow() {
					return nil, rejection(breaker)
				}
				// Only establishment is tracked; individual events are not.
				ch, err := next.Stream(ctx, req)
				record(breaker, err)
				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

func record(breaker Breaker, err error) {
	switch {
	case err == nil:
		breaker.Record(true)
	case countsAsFailure(err):
		breaker.Record(false)
	}
}

func countsAsFailure(err error) bool {
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeAuth, llmerrors.ErrorTypeBadPrompt:
		return false
	}
	return !errors.Is(err, context.Canceled)
}
