package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// MockLLMClient is a configurable mock for llm.LLMClient.
// Configure behavior using OnComplete/OnStream or the Respond* helpers.
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error)

	// StreamFunc is called when Stream is invoked. When nil, Stream replays
	// the result of Complete.
	StreamFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error)

	modelName string

	// Recorded calls for assertions.
	CompleteCalls []llm.CompletionRequest
	StreamCalls   []llm.CompletionRequest
	mu            sync.Mutex
}

// NewMockLLMClient creates a new mock LLM client with default behavior.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		modelName: "mock-model",
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
			return llm.ChatCompletionMessage{
				Content:      "mock response",
				FinishReason: llm.FinishStop,
			}, nil
		},
	}
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return llm.ChatCompletionMessage{}, fmt.Errorf("mock: CompleteFunc not configured")
}

// Stream implements llm.LLMClient.
func (m *MockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	m.mu.Lock()
	m.StreamCalls = append(m.StreamCalls, req)
	streamFn := m.StreamFunc
	completeFn := m.CompleteFunc
	m.mu.Unlock()

	if streamFn != nil {
		return streamFn(ctx, req)
	}
	if completeFn == nil {
		return nil, fmt.Errorf("mock: StreamFunc not configured")
	}
	msg, err := completeFn(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Replay(msg), nil
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelName
}

// SetModelName sets the model name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelName = name
}

// OnComplete sets the Complete behavior.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// OnStream sets the Stream behavior.
func (m *MockLLMClient) OnStream(fn func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamFunc = fn
}

// FailCompleteWith makes every Complete and replayed Stream call fail with err.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		return llm.ChatCompletionMessage{}, err
	})
}

// FailStreamWith makes Stream fail to establish with err.
func (m *MockLLMClient) FailStreamWith(err error) {
	m.OnStream(func(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
		return nil, err
	})
}

// RespondWith configures a plain text reply.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		return TextReply(content), nil
	})
}

// RespondWithToolCall configures a reply containing a single tool call.
func (m *MockLLMClient) RespondWithToolCall(name string, args map[string]any) {
	reply := ToolCallReply(ToolCall("call_1", name, args))
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		return reply, nil
	})
}

// RespondWithToolCalls configures a reply containing several tool calls.
func (m *MockLLMClient) RespondWithToolCalls(calls ...llm.ToolCall) {
	reply := ToolCallReply(calls...)
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		return reply, nil
	})
}

// Step is one scripted reply. A non-nil Err is returned instead of Reply.
type Step struct {
	Err   error
	Reply llm.ChatCompletionMessage
}

// RespondWithSequence configures replies returned in order. Calls past the
// end of the sequence repeat the last step.
func (m *MockLLMClient) RespondWithSequence(steps ...Step) {
	var (
		idx int
		smu sync.Mutex
	)
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
		smu.Lock()
		defer smu.Unlock()
		if len(steps) == 0 {
			return llm.ChatCompletionMessage{}, fmt.Errorf("mock: empty sequence")
		}
		step := steps[min(idx, len(steps)-1)]
		idx++
		return step.Reply, step.Err
	})
}

// StreamContent configures Stream to emit content in the given chunks.
func (m *MockLLMClient) StreamContent(chunks ...string) {
	m.OnStream(func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
		out := make(chan llm.StreamEvent)
		go func() {
			defer close(out)
			for _, c := range chunks {
				if !llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventText, Text: c}) {
					return
				}
			}
			llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventFinish, Finish: llm.FinishStop})
		}()
		return out, nil
	})
}

// StreamWithError configures Stream to emit the chunks then fail mid-stream.
func (m *MockLLMClient) StreamWithError(err error, chunks ...string) {
	m.OnStream(func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
		out := make(chan llm.StreamEvent)
		go func() {
			defer close(out)
			for _, c := range chunks {
				if !llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventText, Text: c}) {
					return
				}
			}
			llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: err})
		}()
		return out, nil
	})
}

// CallCount returns the number of Complete plus Stream calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls) + len(m.StreamCalls)
}

// Requests returns every recorded request in call order per method,
// Complete calls first.
func (m *MockLLMClient) Requests() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, 0, len(m.CompleteCalls)+len(m.StreamCalls))
	out = append(out, m.CompleteCalls...)
	return append(out, m.StreamCalls...)
}

// TextReply builds a final assistant reply.
func TextReply(content string) llm.ChatCompletionMessage {
	return llm.ChatCompletionMessage{Content: content, FinishReason: llm.FinishStop}
}

// ToolCallReply builds an assistant reply carrying tool calls.
func ToolCallReply(calls ...llm.ToolCall) llm.ChatCompletionMessage {
	return llm.ChatCompletionMessage{ToolCalls: calls, FinishReason: llm.FinishToolCalls}
}

// ToolCall builds a tool call with JSON-encoded arguments.
func ToolCall(id, name string, args map[string]any) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}
