package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// EventKind identifies what a StreamEvent carries.
type EventKind int

const (
	// EventText is a fragment of assistant text.
	EventText EventKind = iota
	// EventReasoning is a fragment of reasoning text for block Index.
	EventReasoning
	// EventReasoningSignature attaches a signature to reasoning block Index.
	EventReasoningSignature
	// EventToolCallStart opens tool call Index with its ID and Name. Text may hold initial arguments.
	EventToolCallStart
	// EventToolCallDelta appends an argument fragment to tool call Index.
	EventToolCallDelta
	// EventUsage reports token counters. Later reports override earlier non-zero fields.
	EventUsage
	// EventFinish reports the finish reason.
	EventFinish
	// EventError terminates the stream with Err.
	EventError
)

// String returns a readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventReasoning:
		return "reasoning"
	case EventReasoningSignature:
		return "reasoning_signature"
	case EventToolCallStart:
		return "tool_call_start"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventUsage:
		return "usage"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one decoded frame of a streamed model reply.
type StreamEvent struct {
	Err       error
	Usage     *Usage
	ID        string
	Name      string
	Text      string
	Signature string
	Finish    FinishReason
	Kind      EventKind
	Index     int
}

// ErrStreamClosed is returned when a stream ends before producing anything.
var ErrStreamClosed = errors.New("stream closed without content")

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

type reasoningBuffer struct {
	text      strings.Builder
	signature string
}

// Accumulator folds stream events into one ChatCompletionMessage.
// Each stream gets its own Accumulator; it is not safe for concurrent use.
type Accumulator struct {
	content   strings.Builder
	calls     map[int]*toolCallBuffer
	reasoning map[int]*reasoningBuffer
	usage     Usage
	finish    FinishReason
	events    int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		calls:     make(map[int]*toolCallBuffer),
		reasoning: make(map[int]*reasoningBuffer),
	}
}

// Apply folds one event. It returns the event's error for EventError.
func (a *Accumulator) Apply(ev StreamEvent) error {
	a.events++
	switch ev.Kind {
	case EventText:
		a.content.WriteString(ev.Text)
	case EventReasoning:
		a.reasoningAt(ev.Index).text.WriteString(ev.Text)
	case EventReasoningSignature:
		a.reasoningAt(ev.Index).signature += ev.Signature
	case EventToolCallStart:
		buf := a.callAt(ev.Index)
		if ev.ID != "" {
			buf.id = ev.ID
		}
		if ev.Name != "" {
			buf.name = ev.Name
		}
		buf.args.WriteString(ev.Text)
	case EventToolCallDelta:
		buf := a.callAt(ev.Index)
		if buf.id == "" {
			buf.id = ev.ID
		}
		if buf.name == "" {
			buf.name = ev.Name
		}
		buf.args.WriteString(ev.Text)
	case EventUsage:
		if ev.Usage != nil {
			a.usage = mergeUsage(a.usage, *ev.Usage)
		}
	case EventFinish:
		a.finish = ev.Finish
	case EventError:
		if ev.Err == nil {
			return errors.New("stream error event without cause")
		}
		return ev.Err
	}
	return nil
}

// Message returns the folded reply. Tool calls are ordered by index and reasoning blocks likewise.
func (a *Accumulator) Message() ChatCompletionMessage {
	msg := ChatCompletionMessage{
		Content: a.content.String(),
		Usage:   a.usage,
	}

	for _, idx := range sortedKeys(a.reasoning) {
		r := a.reasoning[idx]
		kind := "thinking"
		if r.text.Len() == 0 && r.signature != "" {
			kind = "redacted_thinking"
		}
		msg.Reasoning = append(msg.Reasoning, ReasoningDetail{
			Type:      kind,
			Text:      r.text.String(),
			Signature: r.signature,
		})
	}

	for _, idx := range sortedKeys(a.calls) {
		c := a.calls[idx]
		call := ToolCall{ID: c.id, Name: c.name}
		raw := strings.TrimSpace(c.args.String())
		switch {
		case raw == "":
			call.Arguments = json.RawMessage("{}")
		case json.Valid([]byte(raw)):
			call.Arguments = json.RawMessage(raw)
		default:
			call.Arguments = json.RawMessage("{}")
			call.Malformed = raw
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	msg.FinishReason = a.finish
	if msg.FinishReason == "" {
		if len(msg.ToolCalls) > 0 {
			msg.FinishReason = FinishToolCalls
		} else {
			msg.FinishReason = FinishStop
		}
	}
	return msg
}

// Empty reports whether no events have been applied.
func (a *Accumulator) Empty() bool {
	return a.events == 0
}

func (a *Accumulator) callAt(idx int) *toolCallBuffer {
	buf, ok := a.calls[idx]
	if !ok {
		buf = &toolCallBuffer{}
		a.calls[idx] = buf
	}
	return buf
}

func (a *Accumulator) reasoningAt(idx int) *reasoningBuffer {
	buf, ok := a.reasoning[idx]
	if !ok {
		buf = &reasoningBuffer{}
		a.reasoning[idx] = buf
	}
	return buf
}

// Fold drains a stream into one reply. It stops at the first error event or when ctx is done.
func Fold(ctx context.Context, events <-chan StreamEvent) (ChatCompletionMessage, error) {
	acc := NewAccumulator()
	for {
		select {
		case <-ctx.Done():
			return ChatCompletionMessage{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if acc.Empty() {
					return ChatCompletionMessage{}, ErrStreamClosed
				}
				return acc.Message(), nil
			}
			if err := acc.Apply(ev); err != nil {
				return ChatCompletionMessage{}, err
			}
		}
	}
}

// Emit sends ev unless ctx is done. Adapters use it so producers never block on an abandoned stream.
func Emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Replay returns a closed channel that yields the events of a complete reply.
// Test doubles and non-streaming adapters use it to satisfy Stream.
func Replay(msg ChatCompletionMessage) <-chan StreamEvent {
	events := make([]StreamEvent, 0, 4+len(msg.ToolCalls)+len(msg.Reasoning))
	for i, r := range msg.Reasoning {
		events = append(events, StreamEvent{Kind: EventReasoning, Index: i, Text: r.Text})
		if r.Signature != "" {
			events = append(events, StreamEvent{Kind: EventReasoningSignature, Index: i, Signature: r.Signature})
		}
	}
	if msg.Content != "" {
		events = append(events, StreamEvent{Kind: EventText, Text: msg.Content})
	}
	for i, c := range msg.ToolCalls {
		args := string(c.Arguments)
		if c.Malformed != "" {
			args = c.Malformed
		}
		events = append(events, StreamEvent{Kind: EventToolCallStart, Index: i, ID: c.ID, Name: c.Name, Text: args})
	}
	usage := msg.Usage
	events = append(events, StreamEvent{Kind: EventUsage, Usage: &usage})
	if msg.FinishReason != "" {
		events = append(events, StreamEvent{Kind: EventFinish, Finish: msg.FinishReason})
	}

	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func mergeUsage(cur, next Usage) Usage {
	if next.InputTokens != 0 {
		cur.InputTokens = next.InputTokens
	}
	if next.OutputTokens != 0 {
		cur.OutputTokens = next.OutputTokens
	}
	if next.CacheReadTokens != 0 {
		cur.CacheReadTokens = next.CacheReadTokens
	}
	if next.CacheWriteTokens != 0 {
		cur.CacheWriteTokens = next.CacheWriteTokens
	}
	if next.ReasoningTokens != 0 {
		cur.ReasoningTokens = next.ReasoningTokens
	}
	return cur
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
