package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// SummaryPrefix starts every message produced by compaction.
const SummaryPrefix = "[Summary of earlier conversation]\n"

const defaultSummaryPrompt = `You compress coding-agent conversations. Summarize the transcript below so the agent can continue the work without it.
Keep: the user's goals and constraints, decisions made, files read or changed (with paths), commands run and their outcomes, unresolved problems and next steps.
Drop: pleasantries, repeated tool output, content that was superseded.
Write plain prose and short bullet lists. Do not invent details.`

// ErrEmptySummary is returned when the model produces no summary text.
var ErrEmptySummary = errors.New("compaction produced an empty summary")

// Compactor replaces old turns with a model-written summary when the context grows too large.
//
//nolint:govet // logical grouping preferred
type Compactor struct {
	// Client is used for the summarization call. It should already carry retry and pipeline middleware.
	Client llm.LLMClient
	// RetainTurns is how many of the most recent turns are kept verbatim.
	RetainTurns int
	// ThresholdTokens triggers compaction when the estimate exceeds it. Zero disables compaction.
	ThresholdTokens int
	// SummaryMaxTokens bounds the summary reply.
	SummaryMaxTokens int
	// Prompt overrides the summarization instructions.
	Prompt string

	logger *logx.Logger
}

// NewCompactor returns a compactor with defaults for unset limits.
func NewCompactor(client llm.LLMClient, retainTurns, thresholdTokens, summaryMaxTokens int) *Compactor {
	if retainTurns < 1 {
		retainTurns = 2
	}
	if summaryMaxTokens <= 0 {
		summaryMaxTokens = 2048
	}
	return &Compactor{
		Client:           client,
		RetainTurns:      retainTurns,
		ThresholdTokens:  thresholdTokens,
		SummaryMaxTokens: summaryMaxTokens,
		logger:           logx.NewLogger("compaction"),
	}
}

// ShouldCompact reports whether cx is over the threshold.
func (c *Compactor) ShouldCompact(cx *Context) bool {
	return c.ThresholdTokens > 0 && cx.TokenEstimate > c.ThresholdTokens
}

// Boundary returns the index range [start, end) that compaction would replace:
// every turn except the most recent RetainTurns. ok is false when there is nothing to compact,
// including when the only candidate is the summary left by an earlier compaction.
// Both ends fall on turn edges, so a tool call and its result are never split.
func (c *Compactor) Boundary(cx *Context) (start, end int, ok bool) {
	turns := cx.Turns()
	keep := c.RetainTurns
	if keep < 1 {
		keep = 1
	}
	if len(turns) <= keep {
		return 0, 0, false
	}
	start, end = turns[0].Start, turns[len(turns)-keep].Start
	if end-start == 1 && isSummary(cx.Messages[start]) {
		return 0, 0, false
	}
	return start, end, true
}

func isSummary(m llm.Message) bool {
	return m.Role == llm.RoleUser && strings.HasPrefix(m.Content, SummaryPrefix)
}

// Compact summarizes the oldest turns of cx and replaces them with one message.
// It returns false without calling the model when there is nothing to compact,
// and false with cx untouched when the summary is no smaller than what it replaces.
// On any error cx is left untouched.
func (c *Compactor) Compact(ctx context.Context, cx *Context) (bool, error) {
	start, end, ok := c.Boundary(cx)
	if !ok {
		return false, nil
	}

	prefix := cx.Messages[start:end]
	if err := ValidatePairing(prefix); err != nil {
		return false, fmt.Errorf("compaction prefix is not self-contained: %w", err)
	}

	prompt := c.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			llm.NewSystemMessage(prompt),
			llm.NewUserMessage(RenderTranscript(prefix)),
		},
		MaxTokens:   c.SummaryMaxTokens,
		Temperature: llm.TemperatureDeterministic,
		Metadata:    map[string]string{"purpose": "compaction"},
	}

	reply, err := c.Client.Complete(ctx, req)
	if err != nil {
		return false, fmt.Errorf("summarize %d messages: %w", len(prefix), err)
	}
	summary := strings.TrimSpace(reply.Content)
	if summary == "" {
		return false, ErrEmptySummary
	}

	msg := llm.NewUserMessage(SummaryPrefix + summary)
	replaced := 0
	for _, m := range prefix {
		replaced += EstimateMessage(m)
	}
	if EstimateMessage(msg) >= replaced {
		if c.logger != nil {
			c.logger.Warn("summary of %d messages would not shrink the context, keeping them", len(prefix))
		}
		return false, nil
	}

	before := cx.TokenEstimate
	cx.replace(start, end, msg)
	if c.logger != nil {
		c.logger.Info("compacted %d messages: %d -> %d tokens", len(prefix), before, cx.TokenEstimate)
	}
	return true, nil
}

// RenderTranscript formats messages as plain text for the summarizer.
func RenderTranscript(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			for _, r := range m.ToolResults {
				status := "result"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "TOOL %s (%s %s):\n%s\n\n", r.Name, status, r.ToolCallID, r.Content)
			}
		default:
			fmt.Fprintf(&b, "%s:\n", strings.ToUpper(string(m.Role)))
			if m.Content != "" {
				b.WriteString(m.Content)
				b.WriteString("\n")
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "-> call %s %s %s\n", tc.Name, tc.ID, string(tc.Arguments))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
