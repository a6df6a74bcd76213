package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sternelee/reforge-sub005/pkg/utils"
)

const maxMalformedPreview = 200

// parseArguments decodes a call's argument document into an object.
func parseArguments(call Call) (map[string]any, []byte, error) {
	if call.Malformed != "" {
		preview := TruncateFetchContent(call.Malformed, maxMalformedPreview)
		if len(preview) < len(call.Malformed) {
			preview += "..."
		}
		return nil, nil, &CallArgumentError{Tool: call.Name, Reason: "arguments are not valid JSON: " + preview}
	}

	raw := []byte(call.Arguments)
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, &CallArgumentError{Tool: call.Name, Reason: "arguments are not valid JSON: " + err.Error()}
	}
	args, err := utils.AssertMapStringAny(decoded)
	if err != nil {
		return nil, nil, &CallArgumentError{Tool: call.Name, Reason: "arguments must be a JSON object"}
	}
	return args, raw, nil
}

// schemaCache holds compiled argument schemas keyed by their JSON document.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*gojsonschema.Schema)}
}

func (c *schemaCache) compile(schema InputSchema) (*gojsonschema.Schema, error) {
	doc, err := schema.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(doc)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.schemas[key] = compiled
	return compiled, nil
}

// validate checks raw against the tool's schema.
func (c *schemaCache) validate(name string, schema InputSchema, raw []byte) error {
	compiled, err := c.compile(schema)
	if err != nil {
		// Tools with an unusable schema are validated by their handler only.
		return nil //nolint:nilerr // not a model error
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &CallArgumentError{Tool: name, Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &CallArgumentError{Tool: name, Reason: strings.Join(msgs, "; ")}
}

// decodeArgs decodes generic arguments into a typed struct using json tags.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
