// Package llm defines the canonical, vendor-independent message model and the client
// interface every provider adapter implements.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	// RoleSystem carries instructions for the model.
	RoleSystem Role = "system"
	// RoleUser is a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant is a reply produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a tool call.
	RoleTool Role = "tool"
)

const (
	// DefaultMaxTokens is used when a request does not set MaxTokens.
	DefaultMaxTokens = 4096

	// TemperatureDefault is the default sampling temperature.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for summaries and other tasks that should not wander.
	TemperatureDeterministic = 0.2
)

// CacheControl marks a message as a prompt-cache breakpoint.
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m" or "1h"
}

// ToolCall is a tool invocation issued by the model.
// Arguments is always a valid JSON document; when the model produced something that
// does not parse, Arguments is "{}" and the original text is kept in Malformed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Malformed string          `json:"malformed,omitempty"`
}

// Args decodes the arguments into a generic map.
func (c ToolCall) Args() (map[string]any, error) {
	out := map[string]any{}
	if len(c.Arguments) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(c.Arguments, &out); err != nil {
		return nil, fmt.Errorf("decode arguments for %s: %w", c.Name, err)
	}
	return out, nil
}

// ToolResult is the output sent back to the model for one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ReasoningDetail is a fragment of model reasoning that some vendors require to be echoed back.
type ReasoningDetail struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Usage holds token counters reported by the provider.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		ReasoningTokens:  u.ReasoningTokens + o.ReasoningTokens,
	}
}

// Total is input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// FinishReason says why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Message is one entry in a conversation context.
type Message struct {
	Role         Role              `json:"role"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult      `json:"tool_results,omitempty"`
	Reasoning    []ReasoningDetail `json:"reasoning,omitempty"`
	CacheControl *CacheControl     `json:"cache_control,omitempty"`
}

// ChatCompletionMessage is the canonical model reply.
type ChatCompletionMessage struct {
	Content      string            `json:"content"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	Reasoning    []ReasoningDetail `json:"reasoning,omitempty"`
	Usage        Usage             `json:"usage"`
	FinishReason FinishReason      `json:"finish_reason"`
}

// HasToolCalls reports whether the reply asks for any tool to run.
func (m ChatCompletionMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// AsMessage converts the reply into an assistant message for the context.
func (m ChatCompletionMessage) AsMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   m.Content,
		ToolCalls: append([]ToolCall(nil), m.ToolCalls...),
		Reasoning: append([]ReasoningDetail(nil), m.Reasoning...),
	}
}

// ReasoningConfig requests extended thinking from models that support it.
type ReasoningConfig struct {
	Enabled      bool
	Effort       string // low, medium, high
	BudgetTokens int
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []Message
	Tools       []tools.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
	Reasoning   ReasoningConfig
	Metadata    map[string]string
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // name kept for consistency across adapters
	// Complete generates a full reply. Adapters implement it by folding their own stream.
	Complete(ctx context.Context, in CompletionRequest) (ChatCompletionMessage, error)

	// Stream generates a reply as an ordered sequence of events. The channel is closed
	// when the stream ends; a failure is delivered as an EventError before closing.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamEvent, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewToolResultMessage wraps a single tool result in a tool message.
func NewToolResultMessage(result ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: []ToolResult{result}}
}
