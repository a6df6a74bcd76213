package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/policy"
)

// Tool execution outcomes reported to the Observer.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
	OutcomeTimeout = "timeout"
)

// defaultCancelGrace is how long a timed-out handler gets to unwind after its
// context is canceled.
const defaultCancelGrace = 2 * time.Second

// Call is one tool invocation issued by the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	// Malformed holds the raw argument text when the model produced invalid JSON.
	Malformed string
}

// Progress is a user-facing notification emitted before a tool runs.
type Progress struct {
	CallID   string
	Title    string
	Subtitle string
}

// ToolCallContext carries per-call information from the orchestrator.
type ToolCallContext struct {
	ConversationID string
	TurnID         string
	// Cwd resolves relative paths in policy checks. Empty uses the provider's WorkDir.
	Cwd string
	// Modalities supported by the active model. Nil means unrestricted.
	Modalities []Modality
	// Progress, when set, receives a notification before each handler runs.
	Progress func(Progress)
}

// Authorizer is implemented by side-effecting tools. Operation describes what
// a call would do; ok is false when the call needs no authorization.
type Authorizer interface {
	Operation(args map[string]any, cwd string) (op policy.Operation, ok bool)
}

// Gate decides whether an operation may proceed. *policy.Gate implements it.
type Gate interface {
	Check(ctx context.Context, turnID string, op policy.Operation) (policy.Permission, error)
}

// Delegated is implemented by tools that forward calls to an external server.
type Delegated interface {
	Server() string
}

// Observer receives one record per executed call.
type Observer interface {
	ObserveTool(conversationID, tool, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveTool(string, string, string, time.Duration) {}

// Executor resolves, validates, authorizes and runs tool calls.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type Executor struct {
	provider       *ToolProvider
	gate           Gate
	observer       Observer
	schemas        *schemaCache
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	cancelGrace    time.Duration
	logger         *logx.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver records every call outcome.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithDefaultTimeout sets the bound for tools without a specific timeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithToolTimeout sets the bound for one tool.
func WithToolTimeout(name string, d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeouts[name] = d
		}
	}
}

// WithCancelGrace sets how long a timed-out handler may take to return.
func WithCancelGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.cancelGrace = d
		}
	}
}

// NewExecutor returns an executor over provider. A nil gate denies every
// operation that needs authorization.
func NewExecutor(provider *ToolProvider, gate Gate, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:       provider,
		gate:           gate,
		observer:       nopObserver{},
		schemas:        newSchemaCache(),
		defaultTimeout: DefaultTimeout,
		timeouts:       make(map[string]time.Duration),
		cancelGrace:    defaultCancelGrace,
		logger:         logx.NewLogger("tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the tool provider the executor dispatches to.
func (e *Executor) Provider() *ToolProvider {
	return e.provider
}

// Run executes call and always yields a result unless the turn must abort.
// Per-call failures are rendered as error results; only cancellation and
// errors outside the tool taxonomy are returned.
func (e *Executor) Run(ctx context.Context, call Call, tcc ToolCallContext) (*ExecResult, error) {
	res, err := e.Execute(ctx, call, tcc)
	if err == nil {
		return res, nil
	}
	if recovered, ok := Recover(err); ok {
		return recovered, nil
	}
	return nil, err
}

// Execute runs call and returns the taxonomy error for failed calls. Checks run
// in order: unknown tool, disallowed tool, modality, arguments, policy, then
// the handler under its timeout.
func (e *Executor) Execute(ctx context.Context, call Call, tcc ToolCallContext) (*ExecResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, call, tcc)
	e.observer.ObserveTool(tcc.ConversationID, call.Name, outcomeOf(res, err), time.Since(start))
	if err != nil {
		e.logger.Debug("tool %s (%s) failed: %v", call.Name, call.ID, err)
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, call Call, tcc ToolCallContext) (*ExecResult, error) {
	tool, err := e.provider.Get(call.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotAllowed) {
			return nil, err
		}
		return errorResult(err.Error()), nil
	}

	def := tool.Definition()
	if missing := missingModalities(def.Modalities, tcc.Modalities); len(missing) > 0 {
		return nil, &UnsupportedModalityError{Tool: call.Name, Missing: missing}
	}

	args, raw, err := parseArguments(call)
	if err != nil {
		return nil, err
	}
	if err := e.schemas.validate(call.Name, def.InputSchema, raw); err != nil {
		return nil, err
	}

	cwd := tcc.Cwd
	if cwd == "" {
		cwd = e.provider.Env().WorkDir
	}
	if err := e.authorize(ctx, tool, args, cwd, tcc.TurnID); err != nil {
		return nil, err
	}

	if tcc.Progress != nil {
		p := Progress{CallID: call.ID, Title: call.Name}
		if d, ok := tool.(Delegated); ok {
			p.Title = "mcp " + d.Server()
			p.Subtitle = call.Name
		}
		tcc.Progress(p)
	}

	res, err := e.run(ctx, tool, args, e.timeoutFor(call.Name))
	if err != nil {
		var timeout *CallTimeoutError
		if errors.As(err, &timeout) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s canceled: %w", call.Name, ctx.Err())
		}
		return errorResult(err.Error()), nil
	}
	if res == nil || (res.Content == "" && !res.IsError) {
		return nil, fmt.Errorf("%w: %s", ErrEmptyToolResponse, call.Name)
	}
	if res.Title == "" {
		res.Title = call.Name
	}
	return res, nil
}

func (e *Executor) authorize(ctx context.Context, tool Tool, args map[string]any, cwd, turnID string) error {
	auth, ok := tool.(Authorizer)
	if !ok {
		return nil
	}
	op, needed := auth.Operation(args, cwd)
	if !needed {
		return nil
	}
	if e.gate == nil {
		return &PermissionDeniedError{Tool: tool.Name(), Operation: op, Reason: "no policy configured"}
	}

	perm, err := e.gate.Check(ctx, turnID, op)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("authorize %s: %w", tool.Name(), ctx.Err())
		}
		return &PermissionDeniedError{Tool: tool.Name(), Operation: op, Reason: err.Error()}
	}
	if perm != policy.Allow {
		return &PermissionDeniedError{Tool: tool.Name(), Operation: op}
	}
	return nil
}

// run executes the handler under timeout. A timeout cancels the handler's
// context and waits up to cancelGrace for it to return.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any, timeout time.Duration) (*ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), r)}
			}
		}()
		res, err := tool.Exec(callCtx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &CallTimeoutError{ToolName: tool.Name(), Timeout: timeout}
		}
		return o.res, o.err
	case <-callCtx.Done():
	}

	cancel()
	if e.cancelGrace > 0 {
		select {
		case <-done:
		case <-time.After(e.cancelGrace):
			e.logger.Warn("tool %s did not stop within %s of cancellation", tool.Name(), e.cancelGrace)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err() //nolint:wrapcheck // wrapped by caller
	}
	return nil, &CallTimeoutError{ToolName: tool.Name(), Timeout: timeout}
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if d, ok := e.timeouts[name]; ok {
		return d
	}
	return e.defaultTimeout
}

// missingModalities returns the required modalities absent from supported.
// Text is always supported.
func missingModalities(required, supported []Modality) []Modality {
	if supported == nil {
		return nil
	}
	have := make(map[Modality]bool, len(supported)+1)
	have[ModalityText] = true
	for _, m := range supported {
		have[m] = true
	}
	var missing []Modality
	for _, m := range required {
		if !have[m] {
			missing = append(missing, m)
		}
	}
	return missing
}

func outcomeOf(res *ExecResult, err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return OutcomeDenied
	case errors.Is(err, ErrCallTimeout):
		return OutcomeTimeout
	case err != nil, res == nil, res.IsError:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}
