package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticClient(content, model string) LLMClient {
	return WrapClient(
		func(_ context.Context, _ CompletionRequest) (ChatCompletionMessage, error) {
			return ChatCompletionMessage{Content: content}, nil
		},
		func(_ context.Context, _ CompletionRequest) (<-chan StreamEvent, error) {
			return Replay(ChatCompletionMessage{Content: content}), nil
		},
		func() string { return model },
	)
}

func suffixMiddleware(suffix string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (ChatCompletionMessage, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				resp.Content += suffix
				return resp, nil
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

func TestWrapClient(t *testing.T) {
	client := staticClient("wrapped", "wrapped-model")
	req := NewCompletionRequest([]Message{NewUserMessage("test")})

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", resp.Content)

	stream, err := client.Stream(context.Background(), req)
	require.NoError(t, err)
	folded, err := Fold(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", folded.Content)

	assert.Equal(t, "wrapped-model", client.GetModelName())
}

func TestChainOrder(t *testing.T) {
	// Inner middlewares run first on the way out, so the outermost suffix lands last.
	client := Chain(staticClient("base", "m"), suffixMiddleware(":outer"), suffixMiddleware(":inner"))

	resp, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "base:inner:outer", resp.Content)
}

func TestChainNoMiddleware(t *testing.T) {
	client := Chain(staticClient("base", "m"))
	resp, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "base", resp.Content)
	assert.Equal(t, "m", client.GetModelName())
}

func TestNewCompletionRequestDefaults(t *testing.T) {
	req := NewCompletionRequest([]Message{NewSystemMessage("sys"), NewUserMessage("hi")})
	assert.Len(t, req.Messages, 2)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, TemperatureDefault, req.Temperature, 0.0001)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, RoleUser, req.Messages[1].Role)
}

func TestToolCallArgs(t *testing.T) {
	call := ToolCall{ID: "1", Name: "read_file", Arguments: []byte(`{"path":"a.go"}`)}
	args, err := call.Args()
	require.NoError(t, err)
	assert.Equal(t, "a.go", args["path"])

	empty, err := ToolCall{Name: "x"}.Args()
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ToolCall{Name: "x", Arguments: []byte(`[1,2]`)}.Args()
	assert.Error(t, err)
}

func TestAsMessageCopiesSlices(t *testing.T) {
	reply := ChatCompletionMessage{
		Content:   "ok",
		ToolCalls: []ToolCall{{ID: "a", Name: "t", Arguments: []byte(`{}`)}},
	}
	msg := reply.AsMessage()
	msg.ToolCalls[0].ID = "changed"

	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "a", reply.ToolCalls[0].ID)
	assert.True(t, reply.HasToolCalls())
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}.Add(Usage{InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3})
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 7, CacheReadTokens: 3}, u)
	assert.Equal(t, 18, u.Total())
}
