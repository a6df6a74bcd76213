package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/internal/mocks"
	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

func call(id, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "read_file", Arguments: json.RawMessage(args)}
}

func result(id string) llm.Message {
	return llm.NewToolResultMessage(llm.ToolResult{ToolCallID: id, Name: "read_file", Content: "ok"})
}

func TestStripInvalidToolCalls(t *testing.T) {
	in := llm.CompletionRequest{Messages: []llm.Message{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("go"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call("a", `{"path":"x"}`), call("b", `{}`)}},
		result("a"),
		result("orphan"),
		{Role: llm.RoleAssistant, Content: "retrying", ToolCalls: []llm.ToolCall{call("c", `not json`)}},
		result("c"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call("d", `{}`)}},
	}}
	original := append([]llm.Message(nil), in.Messages...)

	out := StripInvalidToolCalls(in)

	require.Len(t, out.Messages, 6)
	assert.Equal(t, []llm.ToolCall{call("a", `{"path":"x"}`)}, out.Messages[2].ToolCalls)
	assert.Equal(t, "a", out.Messages[3].ToolResults[0].ToolCallID)
	assert.Equal(t, "retrying", out.Messages[4].Content)
	assert.JSONEq(t, `{}`, string(out.Messages[4].ToolCalls[0].Arguments))
	assert.Equal(t, "c", out.Messages[5].ToolResults[0].ToolCallID)

	assert.Equal(t, original, in.Messages, "input must not be modified")
	assert.Equal(t, `not json`, string(in.Messages[5].ToolCalls[0].Arguments))
}

func TestCacheControlHints(t *testing.T) {
	in := llm.CompletionRequest{Messages: []llm.Message{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("one"),
		{Role: llm.RoleAssistant, Content: "a"},
		llm.NewUserMessage("two"),
		{Role: llm.RoleAssistant, Content: "b"},
		llm.NewUserMessage("three"),
	}}
	out := CacheControlHints(2)(in)

	var marked []string
	for _, m := range out.Messages {
		if m.CacheControl != nil {
			assert.Equal(t, "ephemeral", m.CacheControl.Type)
			marked = append(marked, m.Content)
		}
	}
	assert.Equal(t, []string{"sys", "two", "three"}, marked)
	for _, m := range in.Messages {
		assert.Nil(t, m.CacheControl)
	}
}

func schemaTool() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name: "search",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"query": {Type: "string", Description: "text", Format: "regex", Default: "x"},
				"limit": {
					Description: "max results",
					AnyOf:       []*tools.Property{{Type: "null"}, {Type: "integer"}},
				},
				"filter": {
					Type: "object",
					Properties: map[string]*tools.Property{
						"since": {Type: "string", Format: "date-time"},
					},
					AdditionalProperties: boolPtr(true),
				},
			},
			Required: []string{"query"},
		},
	}
}

func TestNormalizeSchemasOpenAIStrict(t *testing.T) {
	in := llm.CompletionRequest{Tools: []tools.ToolDefinition{schemaTool()}}
	out := NormalizeSchemas(DialectOpenAIStrict)(in)

	s := out.Tools[0].InputSchema
	assert.Equal(t, []string{"filter", "limit", "query"}, s.Required)
	require.NotNil(t, s.AdditionalProperties)
	assert.False(t, *s.AdditionalProperties)

	limit := s.Properties["limit"]
	assert.Equal(t, "integer", limit.Type)
	assert.Equal(t, "max results", limit.Description)
	assert.Nil(t, limit.AnyOf)

	query := s.Properties["query"]
	assert.Empty(t, query.Format)
	assert.Nil(t, query.Default)

	filter := s.Properties["filter"]
	assert.Equal(t, []string{"since"}, filter.Required)
	assert.False(t, *filter.AdditionalProperties)

	// The caller's definition is untouched.
	assert.Equal(t, []string{"query"}, in.Tools[0].InputSchema.Required)
	assert.Len(t, in.Tools[0].InputSchema.Properties["limit"].AnyOf, 2)
	assert.True(t, *in.Tools[0].InputSchema.Properties["filter"].AdditionalProperties)
}

func TestNormalizeSchemasGemini(t *testing.T) {
	out := NormalizeSchemas(DialectGemini)(llm.CompletionRequest{Tools: []tools.ToolDefinition{schemaTool()}})
	s := out.Tools[0].InputSchema
	assert.Equal(t, []string{"query"}, s.Required)
	assert.Empty(t, s.Properties["query"].Format)
	assert.Equal(t, "date-time", s.Properties["filter"].Properties["since"].Format)
	assert.Nil(t, s.Properties["filter"].AdditionalProperties)
	assert.Equal(t, "integer", s.Properties["limit"].Type)
}

func TestReasoningDirectives(t *testing.T) {
	base := llm.CompletionRequest{MaxTokens: 1000, Temperature: 0.3, Reasoning: llm.ReasoningConfig{Enabled: true}}

	anth := ReasoningDirectives(DialectAnthropic, "high")(base)
	assert.Equal(t, BudgetHigh, anth.Reasoning.BudgetTokens)
	assert.Greater(t, anth.MaxTokens, anth.Reasoning.BudgetTokens)
	assert.InDelta(t, 1.0, anth.Temperature, 0.0001)

	oai := ReasoningDirectives(DialectOpenAIStrict, "")(base)
	assert.Equal(t, "medium", oai.Reasoning.Effort)
	assert.Zero(t, oai.Reasoning.BudgetTokens)

	gem := ReasoningDirectives(DialectGemini, "low")(base)
	assert.Equal(t, BudgetLow, gem.Reasoning.BudgetTokens)

	oll := ReasoningDirectives(DialectOllama, "high")(base)
	assert.Equal(t, llm.ReasoningConfig{Enabled: true}, oll.Reasoning)

	off := ReasoningDirectives(DialectAnthropic, "high")(llm.CompletionRequest{Reasoning: llm.ReasoningConfig{Effort: "high"}})
	assert.Equal(t, llm.ReasoningConfig{}, off.Reasoning)
}

func TestInboundStages(t *testing.T) {
	msg := llm.ChatCompletionMessage{
		Content:      "  done \n",
		ToolCalls:    []llm.ToolCall{{Name: "read_file", Arguments: json.RawMessage(`{}`)}, {ID: "keep", Name: "shell"}},
		FinishReason: llm.FinishToolCalls,
	}
	out := SynthesizeToolCallIDs(msg)
	assert.Contains(t, out.ToolCalls[0].ID, "call_")
	assert.Equal(t, "keep", out.ToolCalls[1].ID)
	assert.Empty(t, msg.ToolCalls[0].ID)

	assert.Equal(t, "done", TrimContent(msg).Content)

	dropped := DropEmptyToolCalls(llm.ChatCompletionMessage{
		ToolCalls:    []llm.ToolCall{{ID: "x", Name: " "}},
		FinishReason: llm.FinishToolCalls,
	})
	assert.Nil(t, dropped.ToolCalls)
	assert.Equal(t, llm.FinishStop, dropped.FinishReason)
}

func TestMiddlewareAppliesStagesInOrder(t *testing.T) {
	var order []string
	p := Pipeline{
		Name: "test",
		Outbound: []OutboundStage{
			func(r llm.CompletionRequest) llm.CompletionRequest { order = append(order, "out1"); return r },
			func(r llm.CompletionRequest) llm.CompletionRequest {
				order = append(order, "out2")
				r.Metadata = map[string]string{"stage": "out2"}
				return r
			},
		},
		Inbound: []InboundStage{SynthesizeToolCallIDs, TrimContent},
	}

	mock := mocks.NewMockLLMClient()
	mock.RespondWithSequence(
		mocks.Step{Reply: llm.ChatCompletionMessage{Content: " hi ", ToolCalls: []llm.ToolCall{{Name: "shell", Arguments: json.RawMessage(`{}`)}}}},
		mocks.Step{Reply: llm.ChatCompletionMessage{Content: " streamed "}},
	)
	client := llm.Chain(mock, Middleware(p))

	reply, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"out1", "out2"}, order)
	assert.Equal(t, "hi", reply.Content)
	assert.NotEmpty(t, reply.ToolCalls[0].ID)
	assert.Equal(t, "out2", mock.Requests()[0].Metadata["stage"])

	events, err := client.Stream(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	folded, err := llm.Fold(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "streamed", folded.Content)
}
