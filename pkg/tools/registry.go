// Package tools provides the tool registry, the executor that dispatches
// model-issued tool calls, and the built-in workspace tools.
package tools

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/sternelee/reforge-sub005/pkg/snapshot"
)

// SnapshotStore records file contents before mutation so they can be undone.
type SnapshotStore interface {
	Insert(ctx context.Context, path string) (snapshot.Snapshot, error)
	Undo(ctx context.Context, path string) (snapshot.Snapshot, error)
}

// Env contains the per-workflow configuration tools are created with.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type Env struct {
	// WorkDir is the workspace root relative paths resolve against.
	WorkDir string
	// Snapshots backs write_file and undo. Nil disables undo.
	Snapshots SnapshotStore
	// HTTPClient is used by web_fetch. Nil selects a client with sane limits.
	HTTPClient *http.Client
	// ShellOutputLimit caps shell output in bytes.
	ShellOutputLimit int
	// FetchContentLimit caps web_fetch content in characters.
	FetchContentLimit int
}

// ToolFactory creates a tool instance configured for a specific environment.
type ToolFactory func(env Env) (Tool, error)

// ToolMeta contains metadata about a tool for documentation and discovery.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema InputSchema
	Modalities  []Modality
}

// Definition returns the model-facing definition.
func (m *ToolMeta) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        m.Name,
		Description: m.Description,
		InputSchema: m.InputSchema.Clone(),
		Modalities:  slices.Clone(m.Modalities),
	}
}

// toolDescriptor contains the factory and metadata for a tool.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type toolDescriptor struct {
	meta    ToolMeta
	factory ToolFactory
}

// Registry maps tool names to factories for the lifetime of the process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]toolDescriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]toolDescriptor)}
}

// Register adds a tool factory. Registering a name twice is an error.
func (r *Registry) Register(name string, factory ToolFactory, meta *ToolMeta) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if factory == nil || meta == nil {
		return fmt.Errorf("tool '%s' needs a factory and metadata", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' already registered", name)
	}
	m := *meta
	m.Name = name
	r.tools[name] = toolDescriptor{meta: m, factory: factory}
	return nil
}

// RegisterTool adds an already constructed tool, shared by every provider.
func (r *Registry) RegisterTool(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	def := tool.Definition()
	return r.Register(tool.Name(), func(Env) (Tool, error) { return tool, nil }, &ToolMeta{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
		Modalities:  def.Modalities,
	})
}

// Unregister removes a tool. Providers that already created it keep their instance.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List returns metadata for all registered tools, sorted by name.
func (r *Registry) List() []ToolMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ToolMeta, 0, len(r.tools))
	//nolint:gocritic // rangeValCopy: Direct access is clearer than pointer dereferencing
	for _, desc := range r.tools {
		result = append(result, desc.meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (r *Registry) descriptor(name string) (toolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// ToolProvider creates and manages tool instances for one environment and allowed set.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type ToolProvider struct {
	registry *Registry
	env      Env
	tools    map[string]Tool
	allowSet map[string]struct{}
	mu       sync.Mutex
}

// NewProvider creates a ToolProvider. A nil allowedTools allows every registered tool.
func (r *Registry) NewProvider(env Env, allowedTools []string) *ToolProvider {
	var allowSet map[string]struct{}
	if allowedTools != nil {
		allowSet = make(map[string]struct{}, len(allowedTools))
		for _, name := range allowedTools {
			allowSet[name] = struct{}{}
		}
	}
	return &ToolProvider{
		registry: r,
		env:      env,
		tools:    make(map[string]Tool),
		allowSet: allowSet,
	}
}

// Env returns the environment tools are created with.
func (p *ToolProvider) Env() Env {
	return p.env
}

// Allowed reports whether name is in the allowed set.
func (p *ToolProvider) Allowed(name string) bool {
	if p.allowSet == nil {
		return true
	}
	_, ok := p.allowSet[name]
	return ok
}

// Get retrieves a tool instance, creating it lazily if needed.
// Unknown names fail with NotFoundError before the allowed set is consulted.
func (p *ToolProvider) Get(name string) (Tool, error) {
	desc, exists := p.registry.descriptor(name)
	if !exists {
		return nil, &NotFoundError{Tool: name}
	}
	if !p.Allowed(name) {
		return nil, &NotAllowedError{Tool: name, Allowed: p.Names()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	tool, err := desc.factory(p.env)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool '%s': %w", name, err)
	}
	p.tools[name] = tool
	return tool, nil
}

// Names returns the registered tools this provider allows, sorted.
func (p *ToolProvider) Names() []string {
	var out []string
	for _, name := range p.registry.Names() {
		if p.Allowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// List returns metadata for all allowed tools.
func (p *ToolProvider) List() []ToolMeta {
	all := p.registry.List()
	result := make([]ToolMeta, 0, len(all))
	//nolint:gocritic // rangeValCopy: Direct access is clearer than pointer dereferencing
	for _, meta := range all {
		if p.Allowed(meta.Name) {
			result = append(result, meta)
		}
	}
	return result
}

// Definitions returns the model-facing definitions of all allowed tools.
func (p *ToolProvider) Definitions() []ToolDefinition {
	metas := p.List()
	out := make([]ToolDefinition, len(metas))
	for i := range metas {
		out[i] = metas[i].Definition()
	}
	return out
}

// GenerateToolDocumentation generates tool documentation for this provider's allowed tools.
func (p *ToolProvider) GenerateToolDocumentation() string {
	var docs []string
	for _, name := range p.Names() {
		tool, err := p.Get(name)
		if err != nil {
			continue
		}
		docs = append(docs, tool.PromptDocumentation())
	}
	if len(docs) == 0 {
		return "No tools available"
	}
	return "## Available Tools\n\n" + strings.Join(docs, "\n\n")
}
