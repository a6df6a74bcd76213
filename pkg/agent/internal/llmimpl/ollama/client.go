// Package ollama adapts a local Ollama server to the llm streaming contract.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// DefaultHost is used when no host URL is configured.
const DefaultHost = "http://localhost:11434"

// Client streams chat completions from an Ollama server.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClient creates a raw client for model served at hostURL.
func NewOllamaClient(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client:  api.NewClient(parsed, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Complete folds the reply stream into one message.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
	events, err := o.Stream(ctx, in)
	if err != nil {
		return llm.ChatCompletionMessage{}, err
	}
	msg, err := llm.Fold(ctx, events)
	if errors.Is(err, llm.ErrStreamClosed) {
		return llm.ChatCompletionMessage{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeEmptyResponse, err, "empty reply from Ollama")
	}
	return msg, err
}

// Stream runs a streaming chat. The call returns once the first chunk has
// arrived, so connection and model errors come back directly.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}
	req := o.buildRequest(&in, messages)

	out := make(chan llm.StreamEvent, 32)
	ready := make(chan error, 1)
	go func() {
		defer close(out)
		started := false
		tr := &translator{}
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				ready <- nil
			}
			for _, ev := range tr.translate(&resp) {
				if !llm.Emit(ctx, out, ev) {
					return ctx.Err()
				}
			}
			return nil
		})
		switch {
		case !started && err != nil:
			ready <- classifyError(err)
		case !started:
			ready <- llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "stream ended before any chunk")
		case err != nil:
			llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: classifyError(err)})
		}
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Client) buildRequest(in *llm.CompletionRequest, messages []api.Message) *api.ChatRequest {
	stream := true
	options := map[string]any{}
	if in.Temperature > 0 {
		options["temperature"] = in.Temperature
	}
	if in.MaxTokens > 0 {
		options["num_predict"] = in.MaxTokens
	}
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if in.Reasoning.Enabled {
		req.Think = &api.ThinkValue{Value: true}
	}
	if len(in.Tools) > 0 {
		req.Tools = convertTools(in.Tools)
	}
	return req
}

// convertMessages converts canonical messages to Ollama's chat format.
// Each tool result becomes its own "tool" message.
func convertMessages(messages []llm.Message) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleTool {
			for _, r := range msg.ToolResults {
				result = append(result, api.Message{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.ToolCallID,
				})
			}
			continue
		}

		out := api.Message{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == llm.RoleAssistant {
			var thinking []string
			for _, r := range msg.Reasoning {
				if r.Text != "" {
					thinking = append(thinking, r.Text)
				}
			}
			out.Thinking = strings.Join(thinking, "\n")
			for _, call := range msg.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						args = api.NewToolCallFunctionArguments()
					}
				}
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					ID:       call.ID,
					Function: api.ToolCallFunction{Name: call.Name, Arguments: args},
				})
			}
		}
		result = append(result, out)
	}
	return result, nil
}

// convertTools builds Ollama tool declarations through their JSON form, which
// keeps property order and nested schemas intact.
func convertTools(defs []tools.ToolDefinition) api.Tools {
	out := make(api.Tools, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.InputSchema.Map(),
			},
		})
		if err != nil {
			continue
		}
		var tool api.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// translator numbers tool calls across chunks. Ollama delivers each call whole.
type translator struct {
	calls int
}

func (t *translator) translate(resp *api.ChatResponse) []llm.StreamEvent {
	var events []llm.StreamEvent
	if resp.Message.Thinking != "" {
		events = append(events, llm.StreamEvent{Kind: llm.EventReasoning, Text: resp.Message.Thinking})
	}
	if resp.Message.Content != "" {
		events = append(events, llm.StreamEvent{Kind: llm.EventText, Text: resp.Message.Content})
	}
	for i := range resp.Message.ToolCalls {
		call := &resp.Message.ToolCalls[i]
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args, err := json.Marshal(&call.Function.Arguments)
		if err != nil || string(args) == "null" {
			args = []byte("{}")
		}
		events = append(events, llm.StreamEvent{Kind: llm.EventToolCallStart, Index: t.calls, ID: id, Name: call.Function.Name, Text: string(args)})
		t.calls++
	}
	if resp.Done {
		events = append(events, llm.StreamEvent{Kind: llm.EventUsage, Usage: &llm.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		}})
		if resp.DoneReason == "length" {
			events = append(events, llm.StreamEvent{Kind: llm.EventFinish, Finish: llm.FinishLength})
		}
	}
	return events
}

// classifyError converts Ollama errors to llmerrors types.
func classifyError(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		body, _ := json.Marshal(map[string]string{"error": status.ErrorMessage})
		return llmerrors.FromStatusCode(status.StatusCode, body, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	}
	return llmerrors.Classify(err)
}
