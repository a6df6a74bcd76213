package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/policy"
)

// Delegate forwards a tool call to the external server that owns the tool.
type Delegate interface {
	Call(ctx context.Context, toolName string, args map[string]any) (*ExecResult, error)
}

// MCPTool is a tool advertised by an external protocol server.
type MCPTool struct {
	delegate Delegate
	server   string
	def      ToolDefinition
}

// NewMCPTool wraps a definition advertised by server.
func NewMCPTool(server string, def ToolDefinition, delegate Delegate) *MCPTool {
	if def.InputSchema.Type == "" {
		def.InputSchema.Type = "object"
	}
	return &MCPTool{server: server, def: def, delegate: delegate}
}

// Name returns the tool name.
func (t *MCPTool) Name() string {
	return t.def.Name
}

// Server implements Delegated.
func (t *MCPTool) Server() string {
	return t.server
}

// Definition returns the advertised definition.
func (t *MCPTool) Definition() ToolDefinition {
	def := t.def
	def.InputSchema = t.def.InputSchema.Clone()
	return def
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *MCPTool) PromptDocumentation() string {
	var doc strings.Builder
	fmt.Fprintf(&doc, "- **%s** - %s (via %s)", t.def.Name, t.def.Description, t.server)
	if len(t.def.InputSchema.Properties) > 0 {
		required := make(map[string]bool, len(t.def.InputSchema.Required))
		for _, r := range t.def.InputSchema.Required {
			required[r] = true
		}
		names := make([]string, 0, len(t.def.InputSchema.Properties))
		for name := range t.def.InputSchema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		doc.WriteString("\n  - Parameters:")
		for _, name := range names {
			prop := t.def.InputSchema.Properties[name]
			flag := "optional"
			if required[name] {
				flag = "REQUIRED"
			}
			fmt.Fprintf(&doc, "\n    - %s (%s, %s)", name, prop.Type, flag)
			if prop.Description != "" {
				fmt.Fprintf(&doc, ": %s", prop.Description)
			}
		}
	}
	return doc.String()
}

// Operation implements Authorizer. Every external call is an execution.
func (t *MCPTool) Operation(_ map[string]any, cwd string) (policy.Operation, bool) {
	return policy.Execute(fmt.Sprintf("mcp %s %s", t.server, t.def.Name), cwd), true
}

// Exec forwards the call to the delegate.
func (t *MCPTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	if t.delegate == nil {
		return nil, fmt.Errorf("mcp tool %s has no server connection", t.def.Name)
	}
	res, err := t.delegate.Call(ctx, t.def.Name, args)
	if err != nil {
		return nil, fmt.Errorf("mcp %s/%s: %w", t.server, t.def.Name, err)
	}
	if res != nil && res.Subtitle == "" {
		res.Subtitle = t.def.Name
	}
	return res, nil
}

// RegisterMCPTools registers one MCPTool per definition. Definitions whose
// name is already taken are skipped and returned.
func RegisterMCPTools(reg *Registry, server string, defs []ToolDefinition, delegate Delegate) (skipped []string) {
	for _, def := range defs {
		if reg.Has(def.Name) {
			skipped = append(skipped, def.Name)
			continue
		}
		if err := reg.RegisterTool(NewMCPTool(server, def, delegate)); err != nil {
			skipped = append(skipped, def.Name)
		}
	}
	return skipped
}
