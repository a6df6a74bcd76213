package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/circuit"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/ratelimit"
	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/resilience/retry"
	"github.com/sternelee/reforge-sub005/pkg/mcp"
	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// Workflow defaults.
const (
	DefaultMaxIterations       = 25
	DefaultToolTimeout         = 2 * time.Minute
	DefaultCompactionRatio     = 0.8
	DefaultRetainTurns         = 2
	DefaultSummaryMaxTokens    = 1024
	DefaultShellOutputLimit    = 30000
	DefaultFetchContentLimit   = 40000
	DefaultModelContextTokens  = 32000
	DefaultModelMaxOutputToken = 4096
	DefaultRequestTimeout      = 5 * time.Minute
)

// Workflow is the declarative description of agents and the environment a
// turn runs in.
type Workflow struct {
	ActiveAgent string                      `yaml:"active_agent"`
	Agents      []Agent                     `yaml:"agents"`
	Providers   map[string]Provider         `yaml:"providers"`
	Models      map[string]Model            `yaml:"models"`
	Policy      policy.Policy               `yaml:"policy"`
	Compaction  Compaction                  `yaml:"compaction"`
	Retry       retry.Config                `yaml:"retry"`
	Resilience  Resilience                  `yaml:"resilience"`
	Tools       ToolLimits                  `yaml:"tools"`
	MCPServers  map[string]mcp.ServerConfig `yaml:"mcp_servers"`
}

// Agent is one configured assistant persona.
type Agent struct {
	ID           string   `yaml:"id"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	CustomRules  []string `yaml:"custom_rules"`
	// Tools is the allowed tool set. Nil allows every registered tool; an
	// empty list allows none.
	Tools         []string  `yaml:"tools"`
	MaxIterations int       `yaml:"max_iterations"`
	MaxTokens     int       `yaml:"max_tokens"`
	Temperature   float32   `yaml:"temperature"`
	Reasoning     Reasoning `yaml:"reasoning"`
}

// Reasoning configures extended thinking for an agent.
type Reasoning struct {
	Enabled      bool   `yaml:"enabled"`
	Effort       string `yaml:"effort"` // low, medium, high
	BudgetTokens int    `yaml:"budget_tokens"`
}

// Provider is a configured vendor endpoint. Kind defaults to the map key.
type Provider struct {
	Kind         string `yaml:"kind"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	// RateLimit is the vendor quota shared by every agent using this provider.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// Resilience configures the guards around provider calls.
type Resilience struct {
	// RequestTimeout bounds a single provider attempt.
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// Model overrides the built-in limits of a model.
type Model struct {
	ContextTokens   int              `yaml:"context_tokens"`
	MaxOutputTokens int              `yaml:"max_output_tokens"`
	Modalities      []tools.Modality `yaml:"modalities"`
	// NoTools marks models that cannot call tools; turns run without tool definitions.
	NoTools bool `yaml:"no_tools"`
}

// Compaction configures history summarization.
type Compaction struct {
	Disabled bool `yaml:"disabled"`
	// ThresholdRatio is the fraction of the model context window that triggers compaction.
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	// ThresholdTokens, when set, overrides ThresholdRatio.
	ThresholdTokens  int    `yaml:"threshold_tokens"`
	RetainTurns      int    `yaml:"retain_turns"`
	SummaryMaxTokens int    `yaml:"summary_max_tokens"`
	Model            string `yaml:"model"` // summarization model; empty uses the agent's
}

// Threshold returns the token estimate above which a context is compacted.
func (c Compaction) Threshold(contextTokens int) int {
	if c.ThresholdTokens > 0 {
		return c.ThresholdTokens
	}
	return int(float64(contextTokens) * c.ThresholdRatio)
}

// ToolLimits bounds tool execution.
type ToolLimits struct {
	DefaultTimeout    time.Duration            `yaml:"default_timeout"`
	Timeouts          map[string]time.Duration `yaml:"timeouts"`
	ShellOutputLimit  int                      `yaml:"shell_output_limit"`
	FetchContentLimit int                      `yaml:"fetch_content_limit"`
}

// ModelSpec is a model name with its effective limits.
type ModelSpec struct {
	Name            string
	ContextTokens   int
	MaxOutputTokens int
	Modalities      []tools.Modality
	NoTools         bool
}

// Resolution is everything a turn needs to know about the active agent.
type Resolution struct {
	Agent        Agent
	ProviderName string
	Provider     Provider
	Model        ModelSpec
}

// ApplyDefaults fills zero values.
func (w *Workflow) ApplyDefaults() {
	if w.Providers == nil {
		w.Providers = make(map[string]Provider)
	}
	for name, p := range w.Providers {
		if p.Kind == "" {
			p.Kind = name
			w.Providers[name] = p
		}
	}
	for i := range w.Agents {
		if w.Agents[i].MaxIterations <= 0 {
			w.Agents[i].MaxIterations = DefaultMaxIterations
		}
	}
	if w.ActiveAgent == "" && len(w.Agents) > 0 {
		w.ActiveAgent = w.Agents[0].ID
	}

	if w.Compaction.ThresholdRatio <= 0 {
		w.Compaction.ThresholdRatio = DefaultCompactionRatio
	}
	if w.Compaction.RetainTurns <= 0 {
		w.Compaction.RetainTurns = DefaultRetainTurns
	}
	if w.Compaction.SummaryMaxTokens <= 0 {
		w.Compaction.SummaryMaxTokens = DefaultSummaryMaxTokens
	}

	d := retry.DefaultConfig
	if w.Retry == (retry.Config{}) {
		w.Retry = d
	}
	if w.Retry.MaxAttempts <= 0 {
		w.Retry.MaxAttempts = d.MaxAttempts
	}
	if w.Retry.InitialDelay <= 0 {
		w.Retry.InitialDelay = d.InitialDelay
	}
	if w.Retry.MaxDelay <= 0 {
		w.Retry.MaxDelay = d.MaxDelay
	}
	if w.Retry.BackoffFactor <= 0 {
		w.Retry.BackoffFactor = d.BackoffFactor
	}

	if w.Resilience.RequestTimeout <= 0 {
		w.Resilience.RequestTimeout = DefaultRequestTimeout
	}

	if w.Tools.DefaultTimeout <= 0 {
		w.Tools.DefaultTimeout = DefaultToolTimeout
	}
	if w.Tools.ShellOutputLimit <= 0 {
		w.Tools.ShellOutputLimit = DefaultShellOutputLimit
	}
	if w.Tools.FetchContentLimit <= 0 {
		w.Tools.FetchContentLimit = DefaultFetchContentLimit
	}
}

// Validate reports every problem found in the workflow.
func (w *Workflow) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(w.Agents))
	for i := range w.Agents {
		id := w.Agents[i].ID
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if e := w.Agents[i].Reasoning.Effort; e != "" && e != "low" && e != "medium" && e != "high" {
			errs = append(errs, fmt.Errorf("agent %s: reasoning effort %q must be low, medium or high", id, e))
		}
	}
	if w.ActiveAgent != "" && !seen[w.ActiveAgent] {
		errs = append(errs, fmt.Errorf("active_agent %q: %w", w.ActiveAgent, ErrAgentNotFound))
	}

	for _, name := range sortedKeys(w.Providers) {
		if kind := w.Providers[name].Kind; !IsKnownProvider(kind) {
			errs = append(errs, fmt.Errorf("provider %s: unknown kind %q", name, kind))
		}
	}
	for _, name := range sortedKeys(w.MCPServers) {
		if w.MCPServers[name].Command == "" {
			errs = append(errs, fmt.Errorf("mcp server %s: command is required", name))
		}
	}

	if _, err := policy.Compile(w.Policy); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if r := w.Compaction.ThresholdRatio; r > 1 {
		errs = append(errs, fmt.Errorf("compaction: threshold_ratio %.2f must be in (0, 1]", r))
	}
	if w.Retry.MaxDelay < w.Retry.InitialDelay {
		errs = append(errs, errors.New("retry: max_delay is shorter than initial_delay"))
	}
	return errors.Join(errs...)
}

// ResolveAgent returns the agent with id, or the active agent when id is empty.
func (w *Workflow) ResolveAgent(id string) (*Agent, error) {
	if id == "" {
		id = w.ActiveAgent
	}
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return &w.Agents[i], nil
		}
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no agents configured", ErrAgentNotFound)
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// ActiveProvider returns the provider an agent talks to. An agent without an
// explicit provider uses the one inferred from its model name.
func (w *Workflow) ActiveProvider(a *Agent) (string, Provider, error) {
	name := a.Provider
	if name == "" && a.Model != "" {
		name, _ = GetModelProvider(a.Model)
	}
	if name == "" {
		if len(w.Providers) != 1 {
			return "", Provider{}, fmt.Errorf("%w: agent %s names no provider", ErrNoActiveProvider, a.ID)
		}
		name = sortedKeys(w.Providers)[0]
	}
	if p, ok := w.Providers[name]; ok {
		return name, p, nil
	}
	if IsKnownProvider(name) {
		return name, Provider{Kind: name}, nil
	}
	return "", Provider{}, fmt.Errorf("%w: %s is not configured", ErrNoActiveProvider, name)
}

// ActiveModel returns the model an agent uses with its effective limits.
func (w *Workflow) ActiveModel(a *Agent, p Provider) (ModelSpec, error) {
	name := a.Model
	if name == "" {
		name = p.DefaultModel
	}
	if name == "" {
		return ModelSpec{}, fmt.Errorf("%w: agent %s", ErrNoActiveModel, a.ID)
	}
	return w.ModelSpec(name), nil
}

// ModelSpec merges built-in model limits with workflow overrides.
func (w *Workflow) ModelSpec(name string) ModelSpec {
	info, _ := GetModelInfo(name)
	spec := ModelSpec{
		Name:            name,
		ContextTokens:   info.MaxContextTokens,
		MaxOutputTokens: info.MaxOutputTokens,
	}
	if m, ok := w.Models[name]; ok {
		if m.ContextTokens > 0 {
			spec.ContextTokens = m.ContextTokens
		}
		if m.MaxOutputTokens > 0 {
			spec.MaxOutputTokens = m.MaxOutputTokens
		}
		spec.Modalities = m.Modalities
		spec.NoTools = m.NoTools
	}
	if spec.ContextTokens <= 0 {
		spec.ContextTokens = DefaultModelContextTokens
	}
	if spec.MaxOutputTokens <= 0 {
		spec.MaxOutputTokens = DefaultModelMaxOutputToken
	}
	return spec
}

// Resolve resolves agent id, its provider and its model in that order.
func (w *Workflow) Resolve(agentID string) (*Resolution, error) {
	agent, err := w.ResolveAgent(agentID)
	if err != nil {
		return nil, err
	}
	name, p, err := w.ActiveProvider(agent)
	if err != nil {
		return nil, err
	}
	model, err := w.ActiveModel(agent, p)
	if err != nil {
		return nil, err
	}
	return &Resolution{Agent: *agent, ProviderName: name, Provider: p, Model: model}, nil
}

// CompilePolicy compiles the workflow's permission rules.
func (w *Workflow) CompilePolicy() (*policy.CompiledPolicy, error) {
	cp, err := policy.Compile(w.Policy)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return cp, nil
}

// ExecutorOptions returns tool executor options for the workflow's limits.
func (w *Workflow) ExecutorOptions() []tools.ExecutorOption {
	opts := []tools.ExecutorOption{tools.WithDefaultTimeout(w.Tools.DefaultTimeout)}
	for _, name := range sortedKeys(w.Tools.Timeouts) {
		opts = append(opts, tools.WithToolTimeout(name, w.Tools.Timeouts[name]))
	}
	return opts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
