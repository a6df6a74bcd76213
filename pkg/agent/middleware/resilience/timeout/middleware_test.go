package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/internal/mocks"
	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

func blockingClient() *mocks.MockLLMClient {
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		<-ctx.Done()
		return llm.ChatCompletionMessage{}, ctx.Err()
	})
	client.OnStream(func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
		out := make(chan llm.StreamEvent)
		go func() {
			defer close(out)
			if llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventText, Text: "partial"}) {
				<-ctx.Done()
			}
		}()
		return out, nil
	})
	return client
}

func request() llm.CompletionRequest {
	return llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")})
}

func TestCompleteDeadlineIsTransient(t *testing.T) {
	wrapped := llm.Chain(blockingClient(), Middleware(20*time.Millisecond))

	_, err := wrapped.Complete(context.Background(), request())
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestCallerCancellationPassesThrough(t *testing.T) {
	wrapped := llm.Chain(blockingClient(), Middleware(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wrapped.Complete(ctx, request())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, llmerrors.ErrorTypeUnknown, llmerrors.TypeOf(err))
}

func TestStreamDeadlineEmitsError(t *testing.T) {
	wrapped := llm.Chain(blockingClient(), Middleware(20*time.Millisecond))

	events, err := wrapped.Stream(context.Background(), request())
	require.NoError(t, err)

	_, err = llm.Fold(context.Background(), events)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestZeroDurationDisables(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith("ok")
	wrapped := llm.Chain(client, Middleware(0))

	resp, err := wrapped.Complete(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
