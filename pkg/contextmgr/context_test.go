package contextmgr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

func assistantCall(id, name string) llm.Message {
	return llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}},
	}
}

func toolResult(id, name, content string) llm.Message {
	return llm.NewToolResultMessage(llm.ToolResult{ToolCallID: id, Name: name, Content: content})
}

func assistantText(text string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: text}
}

// buildHistory returns a system prompt followed by n turns that each use one tool.
func buildHistory(n int) *Context {
	cx := NewContext("conv-1")
	cx.Append(llm.NewSystemMessage("you are a coding agent"))
	for i := 0; i < n; i++ {
		id := "call_" + string(rune('a'+i))
		cx.Append(llm.NewUserMessage("task " + string(rune('a'+i))))
		cx.Append(assistantCall(id, "read_file"))
		cx.Append(toolResult(id, "read_file", "contents"))
		cx.Append(assistantText("done " + string(rune('a'+i))))
	}
	return cx
}

func TestSetConversationIDIdempotent(t *testing.T) {
	conv := NewConversation("abc")
	conv.Context = NewContext("stale")

	conv.SetConversationID()
	once := *conv.Context
	conv.SetConversationID()

	assert.Equal(t, "abc", conv.Context.ConversationID)
	assert.Equal(t, once, *conv.Context)
}

func TestSetConversationIDWithoutContext(t *testing.T) {
	conv := NewConversation("abc")
	conv.SetConversationID()
	assert.Nil(t, conv.Context)

	cx := conv.EnsureContext()
	assert.Equal(t, "abc", cx.ConversationID)
	assert.Same(t, cx, conv.EnsureContext())
}

func TestNewConversationGeneratesID(t *testing.T) {
	a := NewConversation("")
	b := NewConversation("")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestTurns(t *testing.T) {
	cx := buildHistory(3)
	turns := cx.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Start: 1, End: 5}, turns[0])
	assert.Equal(t, Turn{Start: 5, End: 9}, turns[1])
	assert.Equal(t, Turn{Start: 9, End: 13}, turns[2])
}

func TestTurnsWithoutUserMessages(t *testing.T) {
	cx := NewContext("c")
	cx.Append(llm.NewSystemMessage("sys"))
	assert.Empty(t, cx.Turns())
}

func TestTokenEstimateTracksAppendAndTruncate(t *testing.T) {
	cx := buildHistory(2)
	full := cx.TokenEstimate
	assert.Positive(t, full)

	cx.Truncate(5)
	assert.Equal(t, 5, cx.Len())
	assert.Less(t, cx.TokenEstimate, full)

	recounted := cx.TokenEstimate
	cx.Recount()
	assert.Equal(t, recounted, cx.TokenEstimate)
}

func TestSnapshotIsACopy(t *testing.T) {
	cx := buildHistory(1)
	snap := cx.Snapshot()
	snap[0].Content = "changed"
	assert.Equal(t, "you are a coding agent", cx.Messages[0].Content)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "Empty context", NewContext("c").Summary())
	assert.Contains(t, buildHistory(1).Summary(), "5 messages")
}

func TestValidatePairing(t *testing.T) {
	tests := []struct {
		name    string
		want    error
		history []llm.Message
	}{
		{
			name:    "paired",
			history: []llm.Message{assistantCall("1", "x"), toolResult("1", "x", "ok")},
		},
		{
			name:    "unpaired call",
			history: []llm.Message{assistantCall("1", "x")},
			want:    ErrUnpairedToolCall,
		},
		{
			name:    "orphan result",
			history: []llm.Message{toolResult("1", "x", "ok")},
			want:    ErrOrphanToolResult,
		},
		{
			name:    "duplicate result",
			history: []llm.Message{assistantCall("1", "x"), toolResult("1", "x", "ok"), toolResult("1", "x", "again")},
			want:    ErrOrphanToolResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairing(tt.history)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
