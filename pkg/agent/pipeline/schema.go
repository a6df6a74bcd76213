package pipeline

import (
	"sort"

	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// geminiFormats are the string formats the Gemini schema subset accepts.
//
//nolint:gochecknoglobals // static lookup
var geminiFormats = map[string]bool{"enum": true, "date-time": true}

func normalizeInputSchema(in tools.InputSchema, dialect Dialect) tools.InputSchema {
	out := in.Clone()
	out.Type = "object"
	for name, p := range out.Properties {
		prop := p
		out.Properties[name] = *normalizeProperty(&prop, dialect)
	}

	switch dialect {
	case DialectOpenAIStrict:
		out.Required = propertyNames(out.Properties)
		out.AdditionalProperties = boolPtr(false)
	case DialectGemini:
		out.AdditionalProperties = nil
	}
	return out
}

// normalizeProperty rewrites p in place and returns it.
func normalizeProperty(p *tools.Property, dialect Dialect) *tools.Property {
	if branch := firstNonNull(p.AnyOf); branch != nil {
		p = mergeBranch(p, branch)
	} else if branch := firstNonNull(p.OneOf); branch != nil {
		p = mergeBranch(p, branch)
	}
	p.AnyOf, p.OneOf = nil, nil

	if p.Items != nil {
		p.Items = normalizeProperty(p.Items, dialect)
	}
	for name, child := range p.Properties {
		p.Properties[name] = normalizeProperty(child, dialect)
	}

	switch dialect {
	case DialectOpenAIStrict:
		p.Default = nil
		p.Format = ""
		p.MinItems, p.MaxItems = nil, nil
		if p.Type == "object" {
			p.Required = propertyNames(p.Properties)
			p.AdditionalProperties = boolPtr(false)
		}
	case DialectGemini:
		p.AdditionalProperties = nil
		p.Default = nil
		if p.Format != "" && !geminiFormats[p.Format] {
			p.Format = ""
		}
	case DialectOllama:
		p.AdditionalProperties = nil
	}
	return p
}

func firstNonNull(branches []*tools.Property) *tools.Property {
	for _, b := range branches {
		if b != nil && b.Type != "null" {
			return b
		}
	}
	return nil
}

// mergeBranch replaces p with branch, keeping p's description when the branch has none.
func mergeBranch(p, branch *tools.Property) *tools.Property {
	merged := branch.Clone()
	if merged.Description == "" {
		merged.Description = p.Description
	}
	if merged.Default == nil {
		merged.Default = p.Default
	}
	return merged
}

func propertyNames[V any](props map[string]V) []string {
	if len(props) == 0 {
		return []string{}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func boolPtr(b bool) *bool {
	return &b
}
