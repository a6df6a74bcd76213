// Package contextmgr holds conversation state, token estimates and history compaction.
package contextmgr

import (
	"time"

	"github.com/google/uuid"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// Metrics accumulates per-conversation counters across turns.
type Metrics struct {
	Turns       int       `json:"turns"`
	Requests    int       `json:"requests"`
	ToolCalls   int       `json:"tool_calls"`
	Compactions int       `json:"compactions"`
	Usage       llm.Usage `json:"usage"`
}

// Conversation is one session with the agent. Its ID never changes after creation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Context   *Context  `json:"context,omitempty"`
	Metrics   Metrics   `json:"metrics"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates a conversation with the given id, or a fresh uuid when id is empty.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
}

// SetConversationID stamps the conversation's id onto its context. It is idempotent.
func (c *Conversation) SetConversationID() {
	if c.Context != nil {
		c.Context.ConversationID = c.ID
	}
}

// EnsureContext returns the context, creating an empty one on first use.
func (c *Conversation) EnsureContext() *Context {
	if c.Context == nil {
		c.Context = NewContext(c.ID)
	}
	c.SetConversationID()
	return c.Context
}

// Touch records a modification time.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}
