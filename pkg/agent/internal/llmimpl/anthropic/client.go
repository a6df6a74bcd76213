// Package anthropic adapts the Anthropic Messages API to the llm streaming contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// ClaudeClient streams completions from the Anthropic Messages API.
type ClaudeClient struct {
	client anthropic.Client
	model  string
}

// NewClaudeClient creates a raw client for model. Middleware is applied by the provider package.
// The SDK's own retries are disabled so the retry controller owns backoff.
func NewClaudeClient(apiKey, baseURL, model string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return c.model
}

// Complete folds the reply stream into one message.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
	events, err := c.Stream(ctx, in)
	if err != nil {
		return llm.ChatCompletionMessage{}, err
	}
	msg, err := llm.Fold(ctx, events)
	if errors.Is(err, llm.ErrStreamClosed) {
		return llm.ChatCompletionMessage{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeEmptyResponse, err, "empty reply from Anthropic")
	}
	return msg, err
}

// Stream opens a Messages stream. Errors raised before the first event are
// returned directly so the retry controller can replay the request.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	params, err := c.buildParams(&in)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
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
		for {
			for _, ev := range translate(stream.Current()) {
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

func (c *ClaudeClient) buildParams(in *llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := convertMessages(in.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if in.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(in.Temperature))
	}
	if in.Reasoning.Enabled && in.Reasoning.BudgetTokens > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(in.Reasoning.BudgetTokens))
	}

	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
		switch in.ToolChoice {
		case "any", "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "", "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: in.ToolChoice}}
		}
	}
	return params, nil
}

// convertMessages extracts system text and folds the rest into strictly
// alternating user/assistant turns. Tool results travel in user turns.
func convertMessages(in []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(in))

	for i := range in {
		msg := &in[i]
		if msg.Role == llm.RoleSystem {
			if strings.TrimSpace(msg.Content) != "" {
				block := anthropic.TextBlockParam{Text: msg.Content}
				if msg.CacheControl != nil {
					block.CacheControl = cacheControl(msg.CacheControl)
				}
				system = append(system, block)
			}
			continue
		}

		role, blocks := convertBlocks(msg)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return nil, nil, fmt.Errorf("request has no user or assistant messages")
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		return nil, nil, fmt.Errorf("first message must be from the user, got %s", out[0].Role)
	}
	return system, out, nil
}

func convertBlocks(msg *llm.Message) (anthropic.MessageParamRole, []anthropic.ContentBlockParamUnion) {
	var blocks []anthropic.ContentBlockParamUnion
	switch msg.Role {
	case llm.RoleAssistant:
		// Thinking blocks must precede text and tool use.
		for _, r := range msg.Reasoning {
			switch {
			case r.Type == "redacted_thinking":
				blocks = append(blocks, anthropic.NewRedactedThinkingBlock(r.Signature))
			case r.Signature != "":
				blocks = append(blocks, anthropic.NewThinkingBlock(r.Signature, r.Text))
			}
		}
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			args := call.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
		}
		return anthropic.MessageParamRoleAssistant, blocks

	case llm.RoleTool:
		for _, r := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		return anthropic.MessageParamRoleUser, blocks

	default:
		if msg.Content == "" {
			return anthropic.MessageParamRoleUser, nil
		}
		text := anthropic.TextBlockParam{Text: msg.Content}
		if msg.CacheControl != nil {
			text.CacheControl = cacheControl(msg.CacheControl)
		}
		return anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{{OfText: &text}}
	}
}

func cacheControl(cc *llm.CacheControl) anthropic.CacheControlEphemeralParam {
	param := anthropic.NewCacheControlEphemeralParam()
	switch cc.TTL {
	case "5m":
		param.TTL = anthropic.CacheControlEphemeralTTLTTL5m
	case "1h":
		param.TTL = anthropic.CacheControlEphemeralTTLTTL1h
	}
	return param
}

func convertTools(defs []tools.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		schema := def.InputSchema.Map()
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   def.InputSchema.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// translate turns one vendor frame into zero or more canonical events.
func translate(event anthropic.MessageStreamEventUnion) []llm.StreamEvent {
	switch v := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		u := v.Message.Usage
		return []llm.StreamEvent{{Kind: llm.EventUsage, Usage: &llm.Usage{
			InputTokens:      int(u.InputTokens),
			OutputTokens:     int(u.OutputTokens),
			CacheReadTokens:  int(u.CacheReadInputTokens),
			CacheWriteTokens: int(u.CacheCreationInputTokens),
		}}}

	case anthropic.ContentBlockStartEvent:
		idx := int(v.Index)
		block := v.ContentBlock
		switch block.Type {
		case "tool_use":
			return []llm.StreamEvent{{Kind: llm.EventToolCallStart, Index: idx, ID: block.ID, Name: block.Name}}
		case "text":
			if block.Text != "" {
				return []llm.StreamEvent{{Kind: llm.EventText, Index: idx, Text: block.Text}}
			}
		case "redacted_thinking":
			return []llm.StreamEvent{{Kind: llm.EventReasoningSignature, Index: idx, Signature: block.Data}}
		}

	case anthropic.ContentBlockDeltaEvent:
		idx := int(v.Index)
		switch d := v.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return []llm.StreamEvent{{Kind: llm.EventText, Index: idx, Text: d.Text}}
		case anthropic.InputJSONDelta:
			return []llm.StreamEvent{{Kind: llm.EventToolCallDelta, Index: idx, Text: d.PartialJSON}}
		case anthropic.ThinkingDelta:
			return []llm.StreamEvent{{Kind: llm.EventReasoning, Index: idx, Text: d.Thinking}}
		case anthropic.SignatureDelta:
			return []llm.StreamEvent{{Kind: llm.EventReasoningSignature, Index: idx, Signature: d.Signature}}
		}

	case anthropic.MessageDeltaEvent:
		events := []llm.StreamEvent{{Kind: llm.EventUsage, Usage: &llm.Usage{OutputTokens: int(v.Usage.OutputTokens)}}}
		if reason := mapStopReason(string(v.Delta.StopReason)); reason != "" {
			events = append(events, llm.StreamEvent{Kind: llm.EventFinish, Finish: reason})
		}
		return events
	}
	return nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "":
		return ""
	case "tool_use":
		return llm.FinishToolCalls
	case "max_tokens":
		return llm.FinishLength
	case "refusal":
		return llm.FinishContentFilter
	default:
		return llm.FinishStop
	}
}

// classifyError maps SDK errors onto llmerrors types. API errors carry the
// status and body; anything else falls back to message heuristics.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatusCode(apiErr.StatusCode, []byte(apiErr.RawJSON()), err)
	}
	return llmerrors.Classify(err)
}
