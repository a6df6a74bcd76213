// Package timeout bounds each provider call with its own deadline.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

// Middleware gives every request at most d. A deadline hit while the caller's
// own context is still live becomes a transient llmerrors.Error, so a retry
// layer above replays the request. d <= 0 disables the bound.
//
// For streams the deadline covers the whole stream, not just establishment.
func Middleware(d time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if d <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				callCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				resp, err := next.Complete(callCtx, req)
				return resp, expired(ctx, callCtx, err, d)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				callCtx, cancel := context.WithTimeout(ctx, d)
				in, err := next.Stream(callCtx, req)
				if err != nil {
					cancel()
					return nil, expired(ctx, callCtx, err, d)
				}

				out := make(chan llm.StreamEvent)
				go func() {
					defer close(out)
					defer cancel()
					for {
						select {
						case ev, ok := <-in:
							if !ok {
								// The producer may close because the deadline cancelled it.
								if err := expired(ctx, callCtx, callCtx.Err(), d); err != nil {
									llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: err})
								}
								return
							}
							if ev.Kind == llm.EventError {
								ev.Err = expired(ctx, callCtx, ev.Err, d)
							}
							if !llm.Emit(ctx, out, ev) {
								return
							}
						case <-callCtx.Done():
							if err := expired(ctx, callCtx, callCtx.Err(), d); err != nil {
								llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: err})
							}
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

// expired rewrites err when the per-call deadline, and not the caller, ended the call.
func expired(parent, call context.Context, err error, d time.Duration) error {
	if err == nil || parent.Err() != nil || !errors.Is(call.Err(), context.DeadlineExceeded) {
		return err
	}
	if llmerrors.TypeOf(err) != llmerrors.ErrorTypeUnknown && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("provider call exceeded %s", d))
}
