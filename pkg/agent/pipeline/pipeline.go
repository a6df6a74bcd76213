// Package pipeline holds the ordered request and reply transforms each vendor
// adapter applies around its raw client.
//
// Stages are pure: they receive a value, return a new one and never modify
// slices or maps they were handed.
package pipeline

import (
	"context"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
)

// OutboundStage rewrites a request before it reaches the vendor.
type OutboundStage func(llm.CompletionRequest) llm.CompletionRequest

// InboundStage rewrites a folded reply before it reaches the caller.
type InboundStage func(llm.ChatCompletionMessage) llm.ChatCompletionMessage

// Pipeline is a named, fixed list of stages.
type Pipeline struct {
	Name     string
	Outbound []OutboundStage
	Inbound  []InboundStage
}

// ApplyOutbound runs the outbound stages in declared order.
//
//nolint:gocritic // CompletionRequest passed by value to keep stages pure
func (p Pipeline) ApplyOutbound(req llm.CompletionRequest) llm.CompletionRequest {
	for _, stage := range p.Outbound {
		req = stage(req)
	}
	return req
}

// ApplyInbound runs the inbound stages in declared order.
func (p Pipeline) ApplyInbound(msg llm.ChatCompletionMessage) llm.ChatCompletionMessage {
	for _, stage := range p.Inbound {
		msg = stage(msg)
	}
	return msg
}

// Middleware wraps a client so every request and reply passes through p.
//
// Inbound stages need the whole reply, so Stream folds the vendor stream and
// replays the transformed reply.
func Middleware(p Pipeline) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				msg, err := next.Complete(ctx, p.ApplyOutbound(req))
				if err != nil {
					return llm.ChatCompletionMessage{}, err
				}
				return p.ApplyInbound(msg), nil
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				upstream, err := next.Stream(ctx, p.ApplyOutbound(req))
				if err != nil {
					return nil, err
				}
				out := make(chan llm.StreamEvent, 16)
				go func() {
					defer close(out)
					msg, err := llm.Fold(ctx, upstream)
					if err != nil {
						llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: err})
						return
					}
					for ev := range llm.Replay(p.ApplyInbound(msg)) {
						if !llm.Emit(ctx, out, ev) {
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
