// Package orchestrator runs conversation turns: it sends the context to the
// active model, executes the tool calls the model asks for, and repeats until
// the model answers without tools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/metrics"
	"github.com/sternelee/reforge-sub005/pkg/agent/provider"
	"github.com/sternelee/reforge-sub005/pkg/config"
	"github.com/sternelee/reforge-sub005/pkg/contextmgr"
	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/persistence"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

const (
	titleLength        = 60
	interruptedMessage = "tool call was interrupted before it completed"
)

// ClientFactory builds the provider client for a resolved agent.
// *provider.Factory implements it.
type ClientFactory interface {
	ForResolution(ctx context.Context, w *config.Workflow, r *config.Resolution) (*provider.Adapter, error)
}

// ConversationStore persists conversations. *persistence.ConversationStore implements it.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*contextmgr.Conversation, error)
	Create(ctx context.Context, conv *contextmgr.Conversation) error
	Save(ctx context.Context, conv *contextmgr.Conversation) error
}

// Gate authorizes tool operations and forgets per-turn decisions when a turn
// ends. *policy.Gate implements it.
type Gate interface {
	tools.Gate
	EndTurn(turnID string)
}

// Services are the collaborators a turn runs with. Config, Clients, Registry
// and Conversations are required.
//
//nolint:govet // fieldalignment: readability over layout
type Services struct {
	Config        *config.Store
	Clients       ClientFactory
	Registry      *tools.Registry
	Conversations ConversationStore
	// AgentID selects the agent. Empty uses the workflow's active agent.
	AgentID string
	// Env is the tool environment. Its WorkDir is the workspace root.
	Env tools.Env
	// Gate authorizes side effects. Nil denies every operation that needs authorization.
	Gate Gate
	// Compactor overrides the per-turn compactor built from the workflow.
	Compactor *contextmgr.Compactor
	// Executor overrides the per-turn executor built from the registry.
	Executor func(p *tools.ToolProvider, w *config.Workflow) *tools.Executor
	Recorder metrics.Recorder
	Logger   *logx.Logger
	// Progress receives a notification before each tool runs.
	Progress func(tools.Progress)
}

// Orchestrator runs turns. Turns on different conversations may run
// concurrently; a conversation runs at most one turn at a time.
type Orchestrator struct {
	svc Services

	mu      sync.Mutex
	running map[string]struct{}
}

// New validates svc and returns an orchestrator.
//
//nolint:gocritic // Services is copied once at construction
func New(svc Services) (*Orchestrator, error) {
	switch {
	case svc.Config == nil:
		return nil, errors.New("orchestrator: config store is required")
	case svc.Clients == nil:
		return nil, errors.New("orchestrator: client factory is required")
	case svc.Registry == nil:
		return nil, errors.New("orchestrator: tool registry is required")
	case svc.Conversations == nil:
		return nil, errors.New("orchestrator: conversation store is required")
	}
	if svc.Recorder == nil {
		svc.Recorder = metrics.Nop()
	}
	if svc.Logger == nil {
		svc.Logger = logx.NewLogger("orchestrator")
	}
	return &Orchestrator{svc: svc, running: make(map[string]struct{})}, nil
}

// turn is the state of one Run call.
//
//nolint:govet // fieldalignment: readability over layout
type turn struct {
	id       string
	conv     *contextmgr.Conversation
	cx       *contextmgr.Context
	res      *config.Resolution
	client   llm.LLMClient
	executor *tools.Executor
	compact  *contextmgr.Compactor
	defs     []tools.ToolDefinition
	result   *TurnResult
	logger   *logx.Logger
}

func (t *turn) enter(s State) {
	t.result.enter(s)
	t.logger.DebugState("entered", s.String())
}

// Run appends userMessage to the conversation and drives the turn to
// completion. An empty conversationID starts a new conversation.
//
// Configuration and identity failures (config.ErrAgentNotFound,
// config.ErrNoActiveProvider, config.ErrNoActiveModel, config.ErrAuthInProgress)
// are returned unmodified. Per-call tool failures are reported to the model and
// never abort the turn. Cancelling ctx stops the turn at the next provider call
// or tool; every message appended before that point is persisted.
func (o *Orchestrator) Run(ctx context.Context, conversationID, userMessage string) (*TurnResult, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, ErrEmptyMessage
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if !o.acquire(conversationID) {
		return nil, fmt.Errorf("%w: %s", ErrTurnInProgress, conversationID)
	}
	defer o.release(conversationID)

	t, err := o.begin(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if o.svc.Gate != nil {
		defer o.svc.Gate.EndTurn(t.id)
	}
	ctx = metrics.WithConversation(ctx, conversationID)
	ctx = logx.ContextWithAgentID(ctx, t.res.Agent.ID)

	closeInterrupted(t.cx)
	if t.conv.Title == "" {
		t.conv.Title = titleFrom(userMessage)
	}
	t.conv.Metrics.Turns++
	t.cx.Append(llm.NewUserMessage(userMessage))
	if err := o.persist(ctx, t); err != nil {
		return t.result, err
	}

	err = o.loop(ctx, t)
	t.enter(Terminated)
	if err != nil {
		t.logger.Warn("turn %s ended: %v", t.id, err)
	}
	return t.result, err
}

// begin resolves the workflow once for the turn and loads the conversation.
func (o *Orchestrator) begin(ctx context.Context, conversationID string) (*turn, error) {
	w := o.svc.Config.Current()
	if w == nil {
		return nil, config.ErrAgentNotFound
	}
	res, err := w.Resolve(o.svc.AgentID)
	if err != nil {
		return nil, err //nolint:wrapcheck // configuration errors are surfaced unmodified
	}
	adapter, err := o.svc.Clients.ForResolution(ctx, w, res)
	if err != nil {
		return nil, err //nolint:wrapcheck // identity errors are surfaced unmodified
	}

	conv, err := o.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	toolProvider := o.svc.Registry.NewProvider(o.svc.Env, res.Agent.Tools)
	var executor *tools.Executor
	if o.svc.Executor != nil {
		executor = o.svc.Executor(toolProvider, w)
	} else {
		opts := append(w.ExecutorOptions(), tools.WithObserver(o.svc.Recorder))
		var gate tools.Gate
		if o.svc.Gate != nil {
			gate = o.svc.Gate
		}
		executor = tools.NewExecutor(toolProvider, gate, opts...)
	}

	compactor := o.svc.Compactor
	if compactor == nil {
		threshold := 0
		if !w.Compaction.Disabled {
			threshold = w.Compaction.Threshold(res.Model.ContextTokens)
		}
		compactor = contextmgr.NewCompactor(adapter.Client, w.Compaction.RetainTurns, threshold, w.Compaction.SummaryMaxTokens)
	}

	var defs []tools.ToolDefinition
	if !res.Model.NoTools {
		defs = executor.Provider().Definitions()
	}

	id := uuid.NewString()
	return &turn{
		id:       id,
		conv:     conv,
		cx:       conv.EnsureContext(),
		res:      res,
		client:   adapter.Client,
		executor: executor,
		compact:  compactor,
		defs:     defs,
		result:   &TurnResult{ConversationID: conversationID},
		logger:   o.svc.Logger.With("turn", id),
	}, nil
}

func (o *Orchestrator) loop(ctx context.Context, t *turn) error {
	limit := t.res.Agent.MaxIterations
	if limit <= 0 {
		limit = config.DefaultMaxIterations
	}

	for t.result.Iterations < limit {
		if t.compact.ShouldCompact(t.cx) {
			if err := o.compact(ctx, t); err != nil {
				return err
			}
		}

		t.enter(AwaitingModel)
		t.result.Iterations++
		reply, err := o.complete(ctx, t)
		if err != nil {
			return err
		}

		t.cx.Append(reply.AsMessage())
		if err := o.persist(ctx, t); err != nil {
			return err
		}

		if !reply.HasToolCalls() {
			t.result.Final = reply.Content
			return nil
		}

		t.enter(ExecutingTools)
		for _, call := range reply.ToolCalls {
			if err := o.execute(ctx, t, call); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %d provider calls", ErrIterationLimit, limit)
}

func (o *Orchestrator) compact(ctx context.Context, t *turn) error {
	t.enter(Compacting)
	done, err := t.compact.Compact(ctx, t.cx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("compaction: %w", ctx.Err())
		}
		t.logger.Warn("compaction failed, continuing with full history: %v", err)
		return nil
	}
	if !done {
		return nil
	}
	t.conv.Metrics.Compactions++
	o.svc.Recorder.IncCompaction(t.conv.ID)
	return o.persist(ctx, t)
}

func (o *Orchestrator) complete(ctx context.Context, t *turn) (llm.ChatCompletionMessage, error) {
	messages := make([]llm.Message, 0, t.cx.Len()+1)
	if prompt := systemPrompt(&t.res.Agent); prompt != "" {
		messages = append(messages, llm.NewSystemMessage(prompt))
	}
	messages = append(messages, t.cx.Snapshot()...)

	req := llm.NewCompletionRequest(messages)
	req.Tools = t.defs
	req.MaxTokens = t.res.Model.MaxOutputTokens
	if t.res.Agent.MaxTokens > 0 {
		req.MaxTokens = t.res.Agent.MaxTokens
	}
	if t.res.Agent.Temperature > 0 {
		req.Temperature = t.res.Agent.Temperature
	}
	req.Reasoning = llm.ReasoningConfig{
		Enabled:      t.res.Agent.Reasoning.Enabled,
		Effort:       t.res.Agent.Reasoning.Effort,
		BudgetTokens: t.res.Agent.Reasoning.BudgetTokens,
	}
	req.Metadata = map[string]string{"conversation_id": t.conv.ID, "turn_id": t.id}

	start := time.Now()
	reply, err := t.client.Complete(ctx, req)
	if err != nil {
		return reply, fmt.Errorf("%s: %w", t.client.GetModelName(), err)
	}
	t.logger.Debug("model replied in %v with %d tool calls", time.Since(start).Round(time.Millisecond), len(reply.ToolCalls))

	t.conv.Metrics.Requests++
	t.conv.Metrics.Usage = t.conv.Metrics.Usage.Add(reply.Usage)
	return reply, nil
}

// execute runs one tool call and appends its result. Only cancellation and
// failures outside the tool error taxonomy abort the turn.
func (o *Orchestrator) execute(ctx context.Context, t *turn, call llm.ToolCall) error {
	logx.Debug(ctx, "tools", "turn %s calling %s (%s)", t.id, call.Name, call.ID)
	tcc := tools.ToolCallContext{
		ConversationID: t.conv.ID,
		TurnID:         t.id,
		Modalities:     t.res.Model.Modalities,
		Progress:       o.svc.Progress,
	}
	res, err := t.executor.Run(ctx, tools.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Malformed: call.Malformed,
	}, tcc)
	if err != nil {
		return fmt.Errorf("tool %s: %w", call.Name, err)
	}

	t.cx.Append(llm.NewToolResultMessage(llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    res.Content,
		IsError:    res.IsError,
	}))
	t.result.ToolCalls++
	t.conv.Metrics.ToolCalls++
	return o.persist(ctx, t)
}

// persist saves the conversation even when ctx is cancelled, so the last
// appended message survives an interrupted turn.
func (o *Orchestrator) persist(ctx context.Context, t *turn) error {
	t.conv.Touch()
	if err := o.svc.Conversations.Save(context.WithoutCancel(ctx), t.conv); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, id string) (*contextmgr.Conversation, error) {
	conv, err := o.svc.Conversations.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, persistence.ErrConversationNotFound) {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv = contextmgr.NewConversation(id)
	conv.EnsureContext()
	if err := o.svc.Conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[id]; busy {
		return false
	}
	o.running[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// closeInterrupted answers the tool calls of a trailing assistant message
// that a cancelled turn left without results.
func closeInterrupted(cx *contextmgr.Context) {
	last := -1
	for i := cx.Len() - 1; i >= 0; i-- {
		if cx.Messages[i].Role == llm.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(cx.Messages[last].ToolCalls) == 0 {
		return
	}
	answered := map[string]bool{}
	for _, m := range cx.Messages[last+1:] {
		for _, r := range m.ToolResults {
			answered[r.ToolCallID] = true
		}
	}
	for _, call := range cx.Messages[last].ToolCalls {
		if answered[call.ID] {
			continue
		}
		cx.Append(llm.NewToolResultMessage(llm.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    interruptedMessage,
			IsError:    true,
		}))
	}
}

func systemPrompt(a *config.Agent) string {
	if len(a.CustomRules) == 0 {
		return a.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(a.SystemPrompt)
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Follow these rules:\n")
	for _, r := range a.CustomRules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func titleFrom(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	if utf8.RuneCountInString(line) <= titleLength {
		return line
	}
	return string([]rune(line)[:titleLength]) + "..."
}
