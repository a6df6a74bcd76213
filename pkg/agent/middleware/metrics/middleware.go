package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Tool outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
	OutcomeTimeout = "timeout"
)

// Middleware returns a middleware that records latency, token usage and failures for
// every provider call. Streams are observed when they finish, so usage reported in the
// final frames is counted.
func Middleware(recorder Recorder, provider string, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		observe := func(ctx context.Context, start time.Time, usage llm.Usage, err error) {
			model := next.GetModelName()
			duration := time.Since(start)
			recorder.ObserveRequest(Request{
				ConversationID: ConversationFrom(ctx),
				Model:          model,
				Provider:       provider,
				Usage:          usage,
				Success:        err == nil,
				ErrorType:      ErrorType(err),
				Duration:       duration,
			})

			if logger != nil {
				status := statusSuccess
				if err != nil {
					status = statusError
				}
				logger.Debug("llm request: model=%s tokens=%d+%d status=%s duration=%dms",
					model, usage.InputTokens, usage.OutputTokens, status, duration.Milliseconds())
			}
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				observe(ctx, start, resp.Usage, err)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
				start := time.Now()
				in, err := next.Stream(ctx, req)
				if err != nil {
					observe(ctx, start, llm.Usage{}, err)
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				out := make(chan llm.StreamEvent)
				go func() {
					defer close(out)
					var usage llm.Usage
					var streamErr error
					for ev := range in {
						switch ev.Kind {
						case llm.EventUsage:
							if ev.Usage != nil {
								usage = *ev.Usage
							}
						case llm.EventError:
							streamErr = ev.Err
						}
						if !llm.Emit(ctx, out, ev) {
							streamErr = ctx.Err()
							break
						}
					}
					observe(ctx, start, usage, streamErr)
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}

// ErrorType returns the metrics label for err.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case llmerrors.TypeOf(err) != llmerrors.ErrorTypeUnknown:
		return llmerrors.TypeOf(err).String()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
