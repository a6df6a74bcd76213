// Package metrics records provider, tool, retry and compaction metrics.
package metrics

import (
	"context"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// Request describes one finished provider call.
//
//nolint:govet // logical grouping preferred
type Request struct {
	ConversationID string
	Model          string
	Provider       string
	Usage          llm.Usage
	Success        bool
	ErrorType      string
	Duration       time.Duration
}

// Recorder defines the interface for recording runtime metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed provider request.
	ObserveRequest(r Request)

	// ObserveTool records one tool execution. Outcome is "success", "error", "denied" or "timeout".
	ObserveTool(conversationID, tool, outcome string, duration time.Duration)

	// IncRetry counts one retry of a provider call.
	IncRetry(model string)

	// IncCompaction counts one compaction of a conversation context.
	IncCompaction(conversationID string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(Request) {}

// ObserveTool does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTool(_, _, _ string, _ time.Duration) {}

// IncRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncRetry(string) {}

// IncCompaction does nothing in the no-op recorder.
func (n *NoopRecorder) IncCompaction(string) {}

type multiRecorder []Recorder

// Multi fans every observation out to all recorders.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

func (m multiRecorder) ObserveRequest(r Request) {
	for _, rec := range m {
		rec.ObserveRequest(r)
	}
}

func (m multiRecorder) ObserveTool(conversationID, tool, outcome string, d time.Duration) {
	for _, rec := range m {
		rec.ObserveTool(conversationID, tool, outcome, d)
	}
}

func (m multiRecorder) IncRetry(model string) {
	for _, rec := range m {
		rec.IncRetry(model)
	}
}

func (m multiRecorder) IncCompaction(conversationID string) {
	for _, rec := range m {
		rec.IncCompaction(conversationID)
	}
}

type conversationKey struct{}

// WithConversation tags ctx so provider calls made under it are attributed to a conversation.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationFrom returns the conversation id attached by WithConversation.
func ConversationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(conversationKey{}).(string); ok {
		return id
	}
	return ""
}
