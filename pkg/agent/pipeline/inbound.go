package pipeline

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// SynthesizeToolCallIDs assigns an id to every tool call that arrived without one.
func SynthesizeToolCallIDs(msg llm.ChatCompletionMessage) llm.ChatCompletionMessage {
	if len(msg.ToolCalls) == 0 {
		return msg
	}
	calls := append([]llm.ToolCall(nil), msg.ToolCalls...)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	msg.ToolCalls = calls
	return msg
}

// DropEmptyToolCalls removes tool calls without a name. A reply left without
// calls finishes with stop.
func DropEmptyToolCalls(msg llm.ChatCompletionMessage) llm.ChatCompletionMessage {
	if len(msg.ToolCalls) == 0 {
		return msg
	}
	calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
	for _, c := range msg.ToolCalls {
		if strings.TrimSpace(c.Name) != "" {
			calls = append(calls, c)
		}
	}
	if len(calls) == 0 {
		msg.ToolCalls = nil
		if msg.FinishReason == llm.FinishToolCalls {
			msg.FinishReason = llm.FinishStop
		}
		return msg
	}
	msg.ToolCalls = calls
	return msg
}

// TrimContent strips surrounding whitespace from the reply text.
func TrimContent(msg llm.ChatCompletionMessage) llm.ChatCompletionMessage {
	msg.Content = strings.TrimSpace(msg.Content)
	return msg
}
