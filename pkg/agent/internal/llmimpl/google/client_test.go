package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

func TestGetModelName(t *testing.T) {
	client := NewGeminiClient("test-key", "", "gemini-2.5-flash")
	assert.Equal(t, "gemini-2.5-flash", client.GetModelName())

	var _ llm.LLMClient = client
}

func TestConvertMessages(t *testing.T) {
	sig := base64.StdEncoding.EncodeToString([]byte("thought-sig"))

	tests := []struct {
		name        string
		messages    []llm.Message
		wantSystem  string
		wantRoles   []string
		errContains string
	}{
		{
			name:        "empty messages",
			errContains: "message list cannot be empty",
		},
		{
			name: "system extracted",
			messages: []llm.Message{
				llm.NewSystemMessage("You are helpful"),
				llm.NewSystemMessage("Be brief"),
				llm.NewUserMessage("Hello"),
			},
			wantSystem: "You are helpful\n\nBe brief",
			wantRoles:  []string{"user"},
		},
		{
			name: "tool round trip",
			messages: []llm.Message{
				llm.NewUserMessage("read it"),
				{
					Role:      llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}},
					Reasoning: []llm.ReasoningDetail{{Type: "thinking", Signature: sig}},
				},
				llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "c1", Name: "read_file", Content: "data"}),
				llm.NewUserMessage("and now?"),
			},
			wantRoles: []string{"user", "model", "user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessages(tt.messages)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSystem, system)
			roles := make([]string, 0, len(contents))
			for _, c := range contents {
				roles = append(roles, c.Role)
			}
			assert.Equal(t, tt.wantRoles, roles)
		})
	}
}

func TestConvertMessagesEchoesSignature(t *testing.T) {
	sig := base64.StdEncoding.EncodeToString([]byte("thought-sig"))
	contents, _, err := convertMessages([]llm.Message{
		llm.NewUserMessage("go"),
		{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
				{ID: "c2", Name: "read_file", Arguments: json.RawMessage(`{"path":"b"}`)},
			},
			Reasoning: []llm.ReasoningDetail{{Type: "thinking", Signature: sig}},
		},
		llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "c1", Name: "read_file", Content: "x"}),
		llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "c2", Name: "read_file", Content: "y", IsError: true}),
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)

	model := contents[1].Parts
	require.Len(t, model, 2)
	assert.Equal(t, []byte("thought-sig"), model[0].ThoughtSignature)
	assert.Nil(t, model[1].ThoughtSignature)
	assert.Equal(t, map[string]any{"path": "a"}, model[0].FunctionCall.Args)

	results := contents[2].Parts
	require.Len(t, results, 2)
	assert.Equal(t, "read_file", results[0].FunctionResponse.Name)
	assert.Equal(t, map[string]any{"error": "y"}, results[1].FunctionResponse.Response)
}

func TestConvertTools(t *testing.T) {
	decls := convertTools([]tools.ToolDefinition{{
		Name:        "list_files",
		Description: "List files",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"path":  {Type: "string"},
				"depth": {Type: "integer"},
				"globs": {Type: "array", Items: &tools.Property{Type: "string"}},
			},
			Required: []string{"path"},
		},
	}})
	require.Len(t, decls, 1)
	params := decls[0].Parameters
	assert.Equal(t, genai.TypeObject, params.Type)
	assert.Equal(t, genai.TypeInteger, params.Properties["depth"].Type)
	assert.Equal(t, genai.TypeString, params.Properties["globs"].Items.Type)
	assert.Equal(t, []string{"path"}, params.Required)
}

func TestTranslate(t *testing.T) {
	tr := &translator{}
	chunks := []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{
			{Text: "planning", Thought: true},
			{Text: "Reading "},
		}}}}},
		{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "now."},
				{FunctionCall: &genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "go.mod"}}, ThoughtSignature: []byte("s1")},
				{FunctionCall: &genai.FunctionCall{ID: "given", Name: "list_files"}},
			}},
			FinishReason: genai.FinishReasonStop,
		}}, UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 20, CandidatesTokenCount: 5, ThoughtsTokenCount: 2}},
	}

	acc := llm.NewAccumulator()
	for _, chunk := range chunks {
		for _, ev := range tr.translate(chunk) {
			require.NoError(t, acc.Apply(ev))
		}
	}
	msg := acc.Message()

	assert.Equal(t, "Reading now.", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.True(t, strings.HasPrefix(msg.ToolCalls[0].ID, "call_"))
	assert.JSONEq(t, `{"path":"go.mod"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, "given", msg.ToolCalls[1].ID)
	assert.JSONEq(t, `{}`, string(msg.ToolCalls[1].Arguments))
	assert.Equal(t, llm.FinishToolCalls, msg.FinishReason)

	require.Len(t, msg.Reasoning, 1)
	assert.Equal(t, "planning", msg.Reasoning[0].Text)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("s1")), msg.Reasoning[0].Signature)
	assert.Equal(t, 20, msg.Usage.InputTokens)
	assert.Equal(t, 2, msg.Usage.ReasoningTokens)
}

func TestMapFinishReason(t *testing.T) {
	assert.Empty(t, mapFinishReason(genai.FinishReasonStop))
	assert.Equal(t, llm.FinishLength, mapFinishReason(genai.FinishReasonMaxTokens))
	assert.Equal(t, llm.FinishContentFilter, mapFinishReason(genai.FinishReasonSafety))
}

func TestClassifyError(t *testing.T) {
	err := classifyError(genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit))

	err = classifyError(genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "overloaded"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeOverloaded))

	err = classifyError(fmt.Errorf("dial: %w", errors.New("connection refused")))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestStreamOverHTTP(t *testing.T) {
	chunk := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return "data: " + string(b) + "\n\n"
	}
	body := chunk(map[string]any{"candidates": []any{map[string]any{
		"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "hello"}}},
	}}}) + chunk(map[string]any{
		"candidates":    []any{map[string]any{"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": " world"}}}, "finishReason": "STOP"}},
		"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 2},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewGeminiClient("test-key", srv.URL, "gemini-2.5-flash")
	msg, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "hello world", msg.Content)
	assert.Equal(t, llm.FinishStop, msg.FinishReason)
	assert.Equal(t, 3, msg.Usage.InputTokens)
}
