package metrics

import (
	"sync"
	"time"
)

// ConversationMetrics is the usage aggregated for one conversation.
//
//nolint:govet
type ConversationMetrics struct {
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	TotalTokens    int64     `json:"total_tokens"`
	RequestCount   int64     `json:"request_count"`
	FailedRequests int64     `json:"failed_requests"`
	ToolCalls      int64     `json:"tool_calls"`
	FailedTools    int64     `json:"failed_tools"`
	Compactions    int64     `json:"compactions"`
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
}

// InternalRecorder aggregates metrics in memory, keyed by conversation.
// It is constructed explicitly and owned by whoever wires the runtime.
type InternalRecorder struct {
	conversations map[string]*ConversationMetrics
	mu            sync.RWMutex
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{
		conversations: make(map[string]*ConversationMetrics),
	}
}

func (r *InternalRecorder) entry(conversationID string) *ConversationMetrics {
	m, ok := r.conversations[conversationID]
	if !ok {
		m = &ConversationMetrics{ConversationID: conversationID}
		r.conversations[conversationID] = m
	}
	m.LastUpdated = time.Now()
	return m
}

// ObserveRequest aggregates a provider request. Calls without a conversation are ignored.
func (r *InternalRecorder) ObserveRequest(req Request) {
	if req.ConversationID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.entry(req.ConversationID)
	m.RequestCount++
	if !req.Success {
		m.FailedRequests++
		return
	}
	m.InputTokens += int64(req.Usage.InputTokens)
	m.OutputTokens += int64(req.Usage.OutputTokens)
	m.TotalTokens = m.InputTokens + m.OutputTokens
}

// ObserveTool aggregates a tool execution.
func (r *InternalRecorder) ObserveTool(conversationID, _, outcome string, _ time.Duration) {
	if conversationID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.entry(conversationID)
	m.ToolCalls++
	if outcome != OutcomeSuccess {
		m.FailedTools++
	}
}

// IncRetry is not aggregated per conversation.
func (r *InternalRecorder) IncRetry(string) {}

// IncCompaction aggregates a compaction.
func (r *InternalRecorder) IncCompaction(conversationID string) {
	if conversationID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(conversationID).Compactions++
}

// Conversation returns a copy of the metrics for one conversation, or nil.
func (r *InternalRecorder) Conversation(conversationID string) *ConversationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.conversations[conversationID]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// All returns copies of every conversation's metrics.
func (r *InternalRecorder) All() map[string]*ConversationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ConversationMetrics, len(r.conversations))
	for id, m := range r.conversations {
		cp := *m
		result[id] = &cp
	}
	return result
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = make(map[string]*ConversationMetrics)
}
