package pipeline

import (
	"encoding/json"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// Dialect names the schema and reasoning conventions of a vendor API.
type Dialect string

// Supported dialects.
const (
	DialectAnthropic    Dialect = "anthropic"
	DialectOpenAIStrict Dialect = "openai-strict"
	DialectGemini       Dialect = "gemini"
	DialectOllama       Dialect = "ollama"
)

// Thinking budgets per effort level for budget-based vendors.
const (
	BudgetLow    = 2048
	BudgetMedium = 8192
	BudgetHigh   = 16384
)

// StripInvalidToolCalls makes the history consistent for vendors that reject
// unpaired tool traffic. Assistant tool calls without a later result and tool
// results without an earlier call are dropped, messages left empty are
// removed, and argument payloads that are not JSON objects become "{}".
//
//nolint:gocritic // value semantics
func StripInvalidToolCalls(req llm.CompletionRequest) llm.CompletionRequest {
	called := make(map[string]bool)
	answered := make(map[string]bool)
	for i := range req.Messages {
		for _, c := range req.Messages[i].ToolCalls {
			called[c.ID] = true
		}
		for _, r := range req.Messages[i].ToolResults {
			if called[r.ToolCallID] {
				answered[r.ToolCallID] = true
			}
		}
	}

	out := make([]llm.Message, 0, len(req.Messages))
	for i := range req.Messages {
		msg := req.Messages[i]
		if len(msg.ToolCalls) > 0 {
			calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
			for _, c := range msg.ToolCalls {
				if !answered[c.ID] {
					continue
				}
				if !isJSONObject(c.Arguments) {
					c.Arguments = json.RawMessage("{}")
				}
				calls = append(calls, c)
			}
			msg.ToolCalls = calls
		}
		if len(msg.ToolResults) > 0 {
			results := make([]llm.ToolResult, 0, len(msg.ToolResults))
			for _, r := range msg.ToolResults {
				if answered[r.ToolCallID] {
					results = append(results, r)
				}
			}
			msg.ToolResults = results
		}
		if isEmpty(&msg) {
			continue
		}
		if len(msg.ToolCalls) == 0 {
			msg.ToolCalls = nil
		}
		if len(msg.ToolResults) == 0 {
			msg.ToolResults = nil
		}
		out = append(out, msg)
	}
	req.Messages = out
	return req
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

func isEmpty(m *llm.Message) bool {
	switch m.Role {
	case llm.RoleTool:
		return len(m.ToolResults) == 0
	case llm.RoleAssistant:
		return m.Content == "" && len(m.ToolCalls) == 0 && len(m.Reasoning) == 0
	}
	return false
}

// CacheControlHints marks the last system message and the last n user
// messages as ephemeral prompt-cache breakpoints. Existing markers are kept.
func CacheControlHints(n int) OutboundStage {
	return func(req llm.CompletionRequest) llm.CompletionRequest {
		msgs := append([]llm.Message(nil), req.Messages...)
		lastSystem := -1
		for i := range msgs {
			if msgs[i].Role == llm.RoleSystem {
				lastSystem = i
			}
		}
		if lastSystem >= 0 {
			markEphemeral(&msgs[lastSystem])
		}
		marked := 0
		for i := len(msgs) - 1; i >= 0 && marked < n; i-- {
			if msgs[i].Role == llm.RoleUser {
				markEphemeral(&msgs[i])
				marked++
			}
		}
		req.Messages = msgs
		return req
	}
}

func markEphemeral(m *llm.Message) {
	if m.CacheControl == nil {
		m.CacheControl = &llm.CacheControl{Type: "ephemeral"}
	}
}

// NormalizeSchemas rewrites tool input schemas into the subset dialect accepts.
func NormalizeSchemas(dialect Dialect) OutboundStage {
	return func(req llm.CompletionRequest) llm.CompletionRequest {
		if len(req.Tools) == 0 {
			return req
		}
		defs := make([]tools.ToolDefinition, len(req.Tools))
		for i := range req.Tools {
			defs[i] = req.Tools[i]
			defs[i].InputSchema = normalizeInputSchema(req.Tools[i].InputSchema, dialect)
		}
		req.Tools = defs
		return req
	}
}

// ReasoningDirectives translates the request's reasoning settings into the
// form dialect understands. effort is used when the request names none.
// Requests without reasoning enabled leave with an empty ReasoningConfig.
func ReasoningDirectives(dialect Dialect, effort string) OutboundStage {
	return func(req llm.CompletionRequest) llm.CompletionRequest {
		if !req.Reasoning.Enabled {
			req.Reasoning = llm.ReasoningConfig{}
			return req
		}
		r := req.Reasoning
		if r.Effort == "" {
			r.Effort = effort
		}
		if r.Effort == "" {
			r.Effort = "medium"
		}

		switch dialect {
		case DialectAnthropic:
			if r.BudgetTokens <= 0 {
				r.BudgetTokens = budgetFor(r.Effort)
			}
			r.Effort = ""
			// Extended thinking requires max_tokens above the budget and temperature 1.
			if req.MaxTokens <= r.BudgetTokens {
				req.MaxTokens = r.BudgetTokens + llm.DefaultMaxTokens
			}
			req.Temperature = 1
		case DialectGemini:
			if r.BudgetTokens <= 0 {
				r.BudgetTokens = budgetFor(r.Effort)
			}
			r.Effort = ""
		case DialectOpenAIStrict:
			r.BudgetTokens = 0
		case DialectOllama:
			r = llm.ReasoningConfig{Enabled: true}
		}
		req.Reasoning = r
		return req
	}
}

func budgetFor(effort string) int {
	switch effort {
	case "low":
		return BudgetLow
	case "high":
		return BudgetHigh
	default:
		return BudgetMedium
	}
}
