// Package openaiofficial adapts the OpenAI Responses API, via the official Go SDK, to the llm streaming contract.
package openaiofficial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// OfficialClient streams completions from the Responses API.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClient creates a raw client for model (middleware applied at higher level).
// baseURL may point at any Responses-compatible gateway.
func NewOfficialClient(apiKey, baseURL, model string) *OfficialClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// Complete folds the reply stream into one message.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
	events, err := o.Stream(ctx, in)
	if err != nil {
		return llm.ChatCompletionMessage{}, err
	}
	msg, err := llm.Fold(ctx, events)
	if errors.Is(err, llm.ErrStreamClosed) {
		return llm.ChatCompletionMessage{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeEmptyResponse, err, "empty reply from OpenAI")
	}
	return msg, err
}

// Stream opens a Responses stream. Errors raised before the first event are returned directly.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (o *OfficialClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	params := o.buildParams(&in)

	stream := o.client.Responses.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			return nil, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "stream ended before any event")
		}
		return nil, classifyError(err)
	}

	out := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()
		tr := newTranslator()
		for {
			for _, ev := range tr.translate(stream.Current()) {
				if !llm.Emit(ctx, out, ev) {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}
		if err := stream.Err(); err != nil {
			llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: classifyError(err)})
		}
	}()
	return out, nil
}

func (o *OfficialClient) buildParams(in *llm.CompletionRequest) responses.ResponseNewParams {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	items, instructions := convertInput(in.Messages)
	params := responses.ResponseNewParams{
		Model:             shared.ResponsesModel(o.model),
		MaxOutputTokens:   openai.Int(int64(maxTokens)),
		Input:             responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		ParallelToolCalls: openai.Bool(false),
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	// Reasoning models reject sampling parameters.
	if in.Reasoning.Enabled {
		params.Reasoning = shared.ReasoningParam{
			Effort:  shared.ReasoningEffort(in.Reasoning.Effort),
			Summary: shared.ReasoningSummaryAuto,
		}
	} else if in.Temperature > 0 {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
	}
	return params
}

func convertInput(messages []llm.Message) (responses.ResponseInputParam, string) {
	items := make(responses.ResponseInputParam, 0, len(messages))
	var instructions []string
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				instructions = append(instructions, txt)
			}
		case llm.RoleTool:
			for _, r := range msg.ToolResults {
				output := r.Content
				if r.IsError {
					output = "ERROR: " + output
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(r.ToolCallID, output))
			}
		case llm.RoleAssistant:
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if !json.Valid(call.Arguments) {
					args = "{}"
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, call.ID, call.Name))
			}
		default:
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
			}
		}
	}
	if len(items) == 0 {
		items = append(items, responses.ResponseInputItemParamOfMessage("Continue.", responses.EasyInputMessageRoleUser))
	}
	return items, strings.Join(instructions, "\n\n")
}

// convertTools declares every tool strict. Schemas arrive already normalized
// for the strict subset by the provider pipeline.
func convertTools(defs []tools.ToolDefinition) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(defs))
	for i := range defs {
		tool := responses.ToolParamOfFunction(defs[i].Name, defs[i].InputSchema.Map(), true)
		if tool.OfFunction != nil && defs[i].Description != "" {
			tool.OfFunction.Description = openai.String(defs[i].Description)
		}
		out = append(out, tool)
	}
	return out
}

// translator keeps the per-stream state needed to key argument deltas and
// detect calls whose arguments only arrive with the finished item.
type translator struct {
	argsSeen map[int]bool
}

func newTranslator() *translator {
	return &translator{argsSeen: make(map[int]bool)}
}

func (t *translator) translate(event responses.ResponseStreamEventUnion) []llm.StreamEvent {
	idx := int(event.OutputIndex)
	switch event.Type {
	case "response.output_text.delta":
		if event.Delta.OfString == "" {
			return nil
		}
		return []llm.StreamEvent{{Kind: llm.EventText, Text: event.Delta.OfString}}

	case "response.reasoning_summary_text.delta":
		if event.Delta.OfString == "" {
			return nil
		}
		return []llm.StreamEvent{{Kind: llm.EventReasoning, Index: idx, Text: event.Delta.OfString}}

	case "response.output_item.added":
		item := event.Item
		if item.Type != "function_call" {
			return nil
		}
		if item.Arguments != "" {
			t.argsSeen[idx] = true
		}
		return []llm.StreamEvent{{Kind: llm.EventToolCallStart, Index: idx, ID: item.CallID, Name: item.Name, Text: item.Arguments}}

	case "response.function_call_arguments.delta":
		if event.Delta.OfString == "" {
			return nil
		}
		t.argsSeen[idx] = true
		return []llm.StreamEvent{{Kind: llm.EventToolCallDelta, Index: idx, Text: event.Delta.OfString}}

	case "response.output_item.done":
		item := event.Item
		if item.Type != "function_call" || t.argsSeen[idx] || item.Arguments == "" {
			return nil
		}
		t.argsSeen[idx] = true
		return []llm.StreamEvent{{Kind: llm.EventToolCallDelta, Index: idx, ID: item.CallID, Name: item.Name, Text: item.Arguments}}

	case "response.completed", "response.incomplete":
		resp := event.Response
		events := []llm.StreamEvent{{Kind: llm.EventUsage, Usage: &llm.Usage{
			InputTokens:     int(resp.Usage.InputTokens),
			OutputTokens:    int(resp.Usage.OutputTokens),
			CacheReadTokens: int(resp.Usage.InputTokensDetails.CachedTokens),
			ReasoningTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
		}}}
		if event.Type == "response.incomplete" {
			events = append(events, llm.StreamEvent{Kind: llm.EventFinish, Finish: llm.FinishLength})
		}
		return events

	case "response.failed":
		return []llm.StreamEvent{{Kind: llm.EventError, Err: vendorError(event.Response.Error.Code, event.Response.Error.Message)}}

	case "error":
		return []llm.StreamEvent{{Kind: llm.EventError, Err: vendorError(event.Code, event.Message)}}
	}
	return nil
}

// vendorError types an error frame delivered inside the stream.
func vendorError[C ~string](code C, message string) error {
	body, _ := json.Marshal(map[string]any{"error": map[string]string{"code": string(code), "message": message}})
	if decoded := llmerrors.DecodePayload(body); decoded != nil && decoded.Type != llmerrors.ErrorTypeUnknown {
		return decoded
	}
	return llmerrors.Classify(fmt.Errorf("openai stream error %s: %s", code, message))
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatusCode(apiErr.StatusCode, []byte(apiErr.RawJSON()), err)
	}
	return llmerrors.Classify(err)
}
