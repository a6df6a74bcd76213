package contextmgr

import (
	"fmt"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// perMessageOverhead approximates role and framing tokens added by every vendor.
const perMessageOverhead = 4

// Context is the ordered message history sent to the model.
// Messages are only appended, except when compaction replaces a prefix.
type Context struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []llm.Message `json:"messages"`
	TokenEstimate  int           `json:"token_estimate"`
}

// Turn is a half-open range [Start, End) of message indices that begins at a user message.
type Turn struct {
	Start int
	End   int
}

// NewContext returns an empty context for a conversation.
func NewContext(conversationID string) *Context {
	return &Context{ConversationID: conversationID}
}

// Append adds a message and updates the token estimate.
func (c *Context) Append(msg llm.Message) {
	c.Messages = append(c.Messages, msg)
	c.TokenEstimate += EstimateMessage(msg)
}

// Len returns the number of messages.
func (c *Context) Len() int {
	return len(c.Messages)
}

// Snapshot returns a copy of the messages.
func (c *Context) Snapshot() []llm.Message {
	out := make([]llm.Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Last returns the last message, if any.
func (c *Context) Last() (llm.Message, bool) {
	if len(c.Messages) == 0 {
		return llm.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Truncate drops every message from index n on and recounts.
func (c *Context) Truncate(n int) {
	if n < 0 || n >= len(c.Messages) {
		return
	}
	c.Messages = c.Messages[:n]
	c.Recount()
}

// Recount recomputes the token estimate from scratch.
func (c *Context) Recount() {
	total := 0
	for i := range c.Messages {
		total += EstimateMessage(c.Messages[i])
	}
	c.TokenEstimate = total
}

// Turns splits the history at user messages. Messages before the first user
// message (system prompts) belong to no turn.
func (c *Context) Turns() []Turn {
	var turns []Turn
	for i, m := range c.Messages {
		if m.Role != llm.RoleUser {
			continue
		}
		if len(turns) > 0 {
			turns[len(turns)-1].End = i
		}
		turns = append(turns, Turn{Start: i, End: len(c.Messages)})
	}
	return turns
}

// replace swaps messages [start, end) for msg and recounts.
func (c *Context) replace(start, end int, msg llm.Message) {
	out := make([]llm.Message, 0, len(c.Messages)-(end-start)+1)
	out = append(out, c.Messages[:start]...)
	out = append(out, msg)
	out = append(out, c.Messages[end:]...)
	c.Messages = out
	c.Recount()
}

// Summary describes the context for logs.
func (c *Context) Summary() string {
	if len(c.Messages) == 0 {
		return "Empty context"
	}
	counts := map[llm.Role]int{}
	for _, m := range c.Messages {
		counts[m.Role]++
	}
	var parts []string
	for _, role := range []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool} {
		if counts[role] > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", role, counts[role]))
		}
	}
	return fmt.Sprintf("%d messages (%d tokens) - %s", len(c.Messages), c.TokenEstimate, strings.Join(parts, ", "))
}

// EstimateMessage approximates the tokens one message costs.
func EstimateMessage(m llm.Message) int {
	counter := utils.DefaultTokenCounter()
	n := perMessageOverhead + counter.CountTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += counter.CountTokens(tc.Name) + counter.CountTokens(string(tc.Arguments))
	}
	for _, tr := range m.ToolResults {
		n += counter.CountTokens(tr.Content)
	}
	for _, r := range m.Reasoning {
		n += counter.CountTokens(r.Text)
	}
	return n
}
