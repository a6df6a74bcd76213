package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/pkg/persistence"
	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

const sampleWorkflow = `
active_agent: coder
agents:
  - id: coder
    provider: work
    model: claude-sonnet-4-5
    system_prompt: You write Go.
    custom_rules: ["run gofmt"]
    tools: [read_file, write_file]
    reasoning:
      enabled: true
      effort: medium
  - id: local
    model: qwen2.5-coder:32b
providers:
  work:
    kind: anthropic
    api_key_env: WORK_ANTHROPIC_KEY
  ollama: {}
models:
  qwen2.5-coder:32b:
    context_tokens: 16000
    no_tools: true
policy:
  default: confirm
  rules:
    - {kind: read, pattern: "**", permission: allow}
    - {kind: write, pattern: "/etc/**", permission: deny}
    - {kind: execute, pattern: "git status", permission: allow}
compaction:
  retain_turns: 3
retry:
  max_attempts: 5
  initial_delay: 100ms
  max_delay: 2s
tools:
  default_timeout: 30s
  timeouts:
    shell: 5m
mcp_servers:
  github:
    command: github-mcp
    env:
      TOKEN: ${GITHUB_TOKEN}
`

func TestParseSampleWorkflow(t *testing.T) {
	w, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "coder", w.ActiveAgent)
	require.Len(t, w.Agents, 2)
	assert.Equal(t, []string{"read_file", "write_file"}, w.Agents[0].Tools)
	assert.Nil(t, w.Agents[1].Tools)
	assert.Equal(t, DefaultMaxIterations, w.Agents[0].MaxIterations)
	assert.Equal(t, "ollama", w.Providers["ollama"].Kind)

	assert.Equal(t, policy.Confirm, w.Policy.Default)
	assert.Equal(t, policy.Deny, w.Policy.Rules[1].Permission)

	assert.Equal(t, 3, w.Compaction.RetainTurns)
	assert.InDelta(t, DefaultCompactionRatio, w.Compaction.ThresholdRatio, 0.0001)
	assert.Equal(t, 5, w.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, w.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, w.Tools.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, w.Tools.Timeouts["shell"])
	assert.Equal(t, DefaultShellOutputLimit, w.Tools.ShellOutputLimit)
	assert.Equal(t, "${GITHUB_TOKEN}", w.MCPServers["github"].Env["TOKEN"])
	assert.Len(t, w.ExecutorOptions(), 2)
}

func TestParseDefaults(t *testing.T) {
	w, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, w.Retry.MaxAttempts)
	assert.True(t, w.Retry.Jitter)
	assert.Equal(t, DefaultToolTimeout, w.Tools.DefaultTimeout)
	assert.Equal(t, DefaultFetchContentLimit, w.Tools.FetchContentLimit)

	_, err = w.ResolveAgent("")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestParseRejectsProblems(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "agentz: []", "field agentz not found"},
		{"missing id", "agents: [{model: gpt-5}]", "id is required"},
		{"duplicate id", "agents: [{id: a}, {id: a}]", "duplicate id"},
		{"missing active", "active_agent: b\nagents: [{id: a}]", "agent not found"},
		{"bad provider", "providers: {x: {kind: bedrock}}", "unknown kind"},
		{"bad permission", "policy: {default: maybe}", "maybe"},
		{"rule without permission", "policy: {rules: [{kind: read, pattern: a}]}", "no permission"},
		{"mcp without command", "mcp_servers: {gh: {}}", "command is required"},
		{"bad effort", "agents: [{id: a, reasoning: {effort: max}}]", "reasoning effort"},
		{"ratio", "compaction: {threshold_ratio: 1.5}", "threshold_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolve(t *testing.T) {
	w, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)

	res, err := w.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "coder", res.Agent.ID)
	assert.Equal(t, "work", res.ProviderName)
	assert.Equal(t, ProviderAnthropic, res.Provider.Kind)
	assert.Equal(t, "claude-sonnet-4-5", res.Model.Name)
	assert.Equal(t, 200000, res.Model.ContextTokens)

	res, err = w.Resolve("local")
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, res.ProviderName)
	assert.Equal(t, 16000, res.Model.ContextTokens)
	assert.Equal(t, 8192, res.Model.MaxOutputTokens)
	assert.True(t, res.Model.NoTools)

	_, err = w.Resolve("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestResolveFatalErrors(t *testing.T) {
	w := &Workflow{
		Agents: []Agent{
			{ID: "no-provider"},
			{ID: "unknown-provider", Provider: "acme", Model: "m"},
			{ID: "no-model", Provider: ProviderOpenAI},
		},
		Providers: map[string]Provider{"a": {Kind: ProviderAnthropic}, "b": {Kind: ProviderOpenAI}},
	}
	w.ApplyDefaults()

	_, err := w.Resolve("no-provider")
	assert.ErrorIs(t, err, ErrNoActiveProvider)
	_, err = w.Resolve("unknown-provider")
	assert.ErrorIs(t, err, ErrNoActiveProvider)
	_, err = w.Resolve("no-model")
	assert.ErrorIs(t, err, ErrNoActiveModel)

	w.Providers = map[string]Provider{ProviderOpenAI: {Kind: ProviderOpenAI, DefaultModel: "gpt-5"}}
	res, err := w.Resolve("no-model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Model.Name)
}

func TestCompactionThreshold(t *testing.T) {
	assert.Equal(t, 8000, Compaction{ThresholdRatio: 0.8}.Threshold(10000))
	assert.Equal(t, 500, Compaction{ThresholdRatio: 0.8, ThresholdTokens: 500}.Threshold(10000))
}

func TestGetModelProvider(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5": ProviderAnthropic,
		"claude-future":     ProviderAnthropic,
		"gpt-4o-mini":       ProviderOpenAI,
		"o4-mini":           ProviderOpenAI,
		"gemini-3-pro":      ProviderGoogle,
		"ollama:phi4":       ProviderOllama,
		"deepseek-r1:14b":   ProviderOllama,
	}
	for model, want := range tests {
		got, err := GetModelProvider(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := GetModelProvider("mystery")
	assert.Error(t, err)

	info, known := GetModelInfo("mystery")
	assert.False(t, known)
	assert.Equal(t, 32000, info.MaxContextTokens)
	assert.InDelta(t, 18.0, CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000), 0.0001)
}

type fakeCredentials map[string]persistence.Credential

func (f fakeCredentials) Get(_ context.Context, provider string) (persistence.Credential, error) {
	c, ok := f[provider]
	if !ok {
		return persistence.Credential{}, persistence.ErrCredentialNotFound
	}
	return c, nil
}

func TestResolveCredential(t *testing.T) {
	ctx := context.Background()
	store := fakeCredentials{
		"pending": {Provider: "pending", State: persistence.CredentialPending},
		"stored":  {Provider: "stored", State: persistence.CredentialReady, Secret: "from-db"},
	}

	t.Setenv("WORK_KEY", "from-env")
	key, err := ResolveCredential(ctx, "stored", Provider{Kind: ProviderOpenAI, APIKeyEnv: "WORK_KEY"}, store)
	require.NoError(t, err)
	assert.Equal(t, "from-env", key, "environment wins")

	t.Setenv(EnvOpenAIAPIKey, "")
	key, err = ResolveCredential(ctx, "stored", Provider{Kind: ProviderOpenAI}, store)
	require.NoError(t, err)
	assert.Equal(t, "from-db", key)

	_, err = ResolveCredential(ctx, "pending", Provider{Kind: ProviderOpenAI}, store)
	assert.ErrorIs(t, err, ErrAuthInProgress)

	_, err = ResolveCredential(ctx, "missing", Provider{Kind: ProviderOpenAI}, store)
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = ResolveCredential(ctx, "broken", Provider{Kind: ProviderOpenAI}, failingCredentials{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoCredential))

	t.Setenv(EnvOllamaHost, "")
	host, err := ResolveCredential(ctx, "ollama", Provider{Kind: ProviderOllama}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaHost, host)
	host, _ = ResolveCredential(ctx, "ollama", Provider{Kind: ProviderOllama, BaseURL: "http://gpu:11434"}, nil)
	assert.Equal(t, "http://gpu:11434", host)
}

type failingCredentials struct{}

func (failingCredentials) Get(context.Context, string) (persistence.Credential, error) {
	return persistence.Credential{}, errors.New("database is locked")
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflow: agents.yaml\nmetrics_addr: :9090\nworkdir: "+dir+"\n"), 0o600))

	t.Setenv("REFORGE_LOG_LEVEL", "debug")
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "agents.yaml", s.WorkflowPath)
	assert.Equal(t, ":9090", s.MetricsAddr)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "console", s.LogFormat)
	assert.Equal(t, filepath.Join(".reforge", "reforge.db"), s.DBPath)
	assert.True(t, filepath.IsAbs(s.WorkDir))

	_, err = LoadSettings(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: [{id: a, model: gpt-5}]\n"), 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, "a", store.Current().ActiveAgent)

	var reloaded []string
	store.OnReload(func(w *Workflow) { reloaded = append(reloaded, w.ActiveAgent) })

	require.NoError(t, os.WriteFile(path, []byte("agents: [{id: b, model: gpt-5}]\n"), 0o600))
	require.NoError(t, store.Reload())
	assert.Equal(t, "b", store.Current().ActiveAgent)

	require.NoError(t, os.WriteFile(path, []byte("agents: [{id: b}, {id: b}]\n"), 0o600))
	assert.Error(t, store.Reload())
	assert.Equal(t, "b", store.Current().ActiveAgent)
	assert.Equal(t, []string{"b"}, reloaded)
}

func TestStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: [{id: a}]\n"), 0o600))
	store, err := NewStore(path)
	require.NoError(t, err)

	changed := make(chan string, 1)
	store.OnReload(func(w *Workflow) {
		select {
		case changed <- w.ActiveAgent:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Keep writing until the watcher has been installed and sees a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case id := <-changed:
			assert.Equal(t, "z", id)
			break loop
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("agents: [{id: z}]\n"), 0o600))
		case <-deadline:
			t.Fatal("workflow was not reloaded")
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "z", store.Current().ActiveAgent)
}

func TestStaticStore(t *testing.T) {
	w := &Workflow{Agents: []Agent{{ID: "a"}}}
	store := NewStaticStore(w)
	assert.Same(t, w, store.Current())
	assert.NoError(t, store.Reload())
	assert.Empty(t, store.Path())
}

func TestModelSpecModalities(t *testing.T) {
	w := &Workflow{Models: map[string]Model{"vision": {Modalities: []tools.Modality{tools.ModalityText, tools.ModalityImage}}}}
	spec := w.ModelSpec("vision")
	assert.Equal(t, []tools.Modality{tools.ModalityText, tools.ModalityImage}, spec.Modalities)
	assert.Equal(t, DefaultModelContextTokens, spec.ContextTokens)
}
