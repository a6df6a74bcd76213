package tools

import (
	"context"
	"encoding/json"
)

// Modality is a capability a tool requires from the active model or runtime.
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityImage   Modality = "image"
	ModalityShell   Modality = "shell"
	ModalityNetwork Modality = "network"
)

// Property describes one JSON-schema property of a tool's input.
type Property struct {
	Type                 string               `json:"type,omitempty"`
	Description          string               `json:"description,omitempty"`
	Format               string               `json:"format,omitempty"`
	Enum                 []string             `json:"enum,omitempty"`
	Items                *Property            `json:"items,omitempty"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	Required             []string             `json:"required,omitempty"`
	AnyOf                []*Property          `json:"anyOf,omitempty"`
	OneOf                []*Property          `json:"oneOf,omitempty"`
	Default              any                  `json:"default,omitempty"`
	MinItems             *int                 `json:"minItems,omitempty"`
	MaxItems             *int                 `json:"maxItems,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// InputSchema is the top-level object schema for a tool's arguments.
type InputSchema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties,omitempty"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties *bool               `json:"additionalProperties,omitempty"`
}

// ToolDefinition is what the model sees for a tool, plus the capabilities it needs.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
	Modalities  []Modality  `json:"modalities,omitempty"`
}

// ExecResult is the single output produced for every tool call.
// Title and Subtitle are user-facing progress labels; Content goes back to the model.
type ExecResult struct {
	Content  string `json:"content"`
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// Tool is a named handler the executor can dispatch to.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
	PromptDocumentation() string
}

// JSON returns the schema encoded as a JSON document.
func (s *InputSchema) JSON() ([]byte, error) {
	if s.Type == "" {
		cp := *s
		cp.Type = "object"
		return json.Marshal(cp)
	}
	return json.Marshal(s)
}

// Map returns the schema as a generic map, the shape most vendor SDKs accept.
func (s *InputSchema) Map() map[string]any {
	raw, err := s.JSON()
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// ParseInputSchema decodes a JSON schema document, as advertised by MCP servers.
func ParseInputSchema(raw []byte) (InputSchema, error) {
	var schema InputSchema
	if len(raw) == 0 {
		return InputSchema{Type: "object"}, nil
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return InputSchema{}, err //nolint:wrapcheck // caller adds context
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

// Clone returns a deep copy of the property.
func (p *Property) Clone() *Property {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Enum = append([]string(nil), p.Enum...)
	cp.Required = append([]string(nil), p.Required...)
	cp.Items = p.Items.Clone()
	if p.Properties != nil {
		cp.Properties = make(map[string]*Property, len(p.Properties))
		for k, v := range p.Properties {
			cp.Properties[k] = v.Clone()
		}
	}
	cp.AnyOf = cloneProps(p.AnyOf)
	cp.OneOf = cloneProps(p.OneOf)
	return &cp
}

// Clone returns a deep copy of the schema.
func (s *InputSchema) Clone() InputSchema {
	cp := *s
	cp.Required = append([]string(nil), s.Required...)
	if s.Properties != nil {
		cp.Properties = make(map[string]Property, len(s.Properties))
		for k, v := range s.Properties {
			cp.Properties[k] = *v.Clone()
		}
	}
	return cp
}

func cloneProps(in []*Property) []*Property {
	if in == nil {
		return nil
	}
	out := make([]*Property, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
