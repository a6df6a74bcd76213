package contextmgr

import (
	"errors"
	"fmt"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

var (
	// ErrUnpairedToolCall means an assistant tool call has no result after it.
	ErrUnpairedToolCall = errors.New("tool call without result")
	// ErrOrphanToolResult means a tool result does not follow its call.
	ErrOrphanToolResult = errors.New("tool result without preceding call")
)

// ValidatePairing checks that every tool call has exactly one later result and
// every result answers an earlier call.
func ValidatePairing(messages []llm.Message) error {
	open := map[string]bool{}
	for i, m := range messages {
		for _, tc := range m.ToolCalls {
			open[tc.ID] = true
		}
		for _, tr := range m.ToolResults {
			if !open[tr.ToolCallID] {
				return fmt.Errorf("%w: %q at message %d", ErrOrphanToolResult, tr.ToolCallID, i)
			}
			delete(open, tr.ToolCallID)
		}
	}
	for id := range open {
		return fmt.Errorf("%w: %q", ErrUnpairedToolCall, id)
	}
	return nil
}
