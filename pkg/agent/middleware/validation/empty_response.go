// Package validation rejects replies a turn cannot make progress with.
package validation

import (
	"context"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

const (
	maxEmptyAttempts = 2
	logContentLimit  = 2000
)

// Guidance is appended to the request when the first reply was empty.
const Guidance = "No response was received. Reply with an answer, or call one of the available tools to continue."

// EmptyResponseValidator retries an empty reply once with a guidance message.
type EmptyResponseValidator struct {
	logger *logx.Logger
}

// NewEmptyResponseValidator creates a validator.
func NewEmptyResponseValidator() *EmptyResponseValidator {
	return &EmptyResponseValidator{logger: logx.NewLogger("empty-response")}
}

// Middleware treats a reply with no text and no tool calls, or an
// empty_response error, as empty. The first empty reply is retried with
// Guidance appended to the request only; the second returns an
// ErrorTypeEmptyResponse error. Other errors pass through unchanged.
//
// Stream is not validated; callers that need the check use Complete.
func (v *EmptyResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						return resp, err //nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					}
					if err == nil && !IsEmpty(&resp) {
						return resp, nil
					}

					v.logger.Warn("empty reply from %s (attempt %d/%d)", next.GetModelName(), attempt, maxEmptyAttempts)
					if attempt == 1 {
						messages := make([]llm.Message, len(req.Messages), len(req.Messages)+1)
						copy(messages, req.Messages)
						req.Messages = append(messages, llm.NewUserMessage(Guidance))
					}
				}
				v.logRequest(&req)
				return llm.ChatCompletionMessage{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
					"model returned no content and no tool calls after guidance")
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

// IsEmpty reports whether resp carries neither text nor tool calls.
func IsEmpty(resp *llm.ChatCompletionMessage) bool {
	return len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Content) == ""
}

func (v *EmptyResponseValidator) logRequest(req *llm.CompletionRequest) {
	names := make([]string, len(req.Tools))
	for i := range req.Tools {
		names[i] = req.Tools[i].Name
	}
	v.logger.Debug("request: messages=%d max_tokens=%d tools=[%s]", len(req.Messages), req.MaxTokens, strings.Join(names, ", "))
	for i := range req.Messages {
		content := req.Messages[i].Content
		if len(content) > logContentLimit {
			content = content[:logContentLimit] + "..."
		}
		v.logger.Debug("  [%d] %s: %s", i, req.Messages[i].Role, content)
	}
}
