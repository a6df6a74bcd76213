package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates the workflow file at path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return w, nil
}

// Parse decodes a workflow document. Unknown keys are rejected so typos do not
// silently fall back to defaults. ${VAR} references in MCP server environments
// are left for the gateway to expand at launch.
func Parse(data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var w Workflow
	if err := dec.Decode(&w); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	w.ApplyDefaults()
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	return &w, nil
}
