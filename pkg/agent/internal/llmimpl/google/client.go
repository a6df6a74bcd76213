// Package google adapts the Gemini API, via google.golang.org/genai, to the llm streaming contract.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// reasoningIndex is the accumulator slot for the reply's thought text and signature.
const reasoningIndex = 0

// GeminiClient streams completions from the Gemini API.
type GeminiClient struct {
	apiKey  string
	baseURL string
	model   string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiClient creates a raw client for model (middleware applied at higher level).
// The genai client needs a context, so it is created on first use.
func NewGeminiClient(apiKey, baseURL, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, baseURL: baseURL, model: model}
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	cfg := &genai.ClientConfig{APIKey: g.apiKey, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete folds the reply stream into one message.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
	events, err := g.Stream(ctx, in)
	if err != nil {
		return llm.ChatCompletionMessage{}, err
	}
	msg, err := llm.Fold(ctx, events)
	if errors.Is(err, llm.ErrStreamClosed) {
		return llm.ChatCompletionMessage{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeEmptyResponse, err, "empty reply from Gemini")
	}
	return msg, err
}

// Stream opens a GenerateContentStream. Errors raised before the first chunk are returned directly.
//
//nolint:gocritic // CompletionRequest passed by value per llm.LLMClient
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	contents, system, err := convertMessages(in.Messages)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}
	client, err := g.sdk(ctx)
	if err != nil {
		return nil, err
	}

	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, g.model, contents, buildConfig(&in, system)))
	first, err, ok := next()
	if !ok {
		stop()
		return nil, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "stream ended before any chunk")
	}
	if err != nil {
		stop()
		return nil, classifyError(err)
	}

	out := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(out)
		defer stop()
		tr := &translator{}
		resp := first
		for {
			for _, ev := range tr.translate(resp) {
				if !llm.Emit(ctx, out, ev) {
					return
				}
			}
			resp, err, ok = next()
			if !ok {
				return
			}
			if err != nil {
				llm.Emit(ctx, out, llm.StreamEvent{Kind: llm.EventError, Err: classifyError(err)})
				return
			}
		}
	}()
	return out, nil
}

func buildConfig(in *llm.CompletionRequest, system string) *genai.GenerateContentConfig {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	//nolint:gosec // bounded by model limits
	config := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	if in.Temperature > 0 {
		temp := in.Temperature
		config.Temperature = &temp
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if in.Reasoning.Enabled {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		if in.Reasoning.BudgetTokens > 0 {
			//nolint:gosec // budgets are small constants
			budget := int32(in.Reasoning.BudgetTokens)
			config.ThinkingConfig.ThinkingBudget = &budget
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
		mode := genai.FunctionCallingConfigModeAuto
		if in.ToolChoice == "any" || in.ToolChoice == "required" {
			mode = genai.FunctionCallingConfigModeAny
		}
		config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
	}
	return config
}

// convertMessages converts canonical messages to Gemini contents and a system instruction.
// Thought signatures recorded in Reasoning are echoed on the first function call part.
func convertMessages(messages []llm.Message) ([]*genai.Content, string, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for i := range messages {
		msg := &messages[i]
		var role string
		var parts []*genai.Part

		switch msg.Role {
		case llm.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		case llm.RoleUser:
			role = "user"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		case llm.RoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			signature := thoughtSignature(msg.Reasoning)
			for j, call := range msg.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						args = map[string]any{}
					}
				}
				part := &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}}
				if j == 0 {
					part.ThoughtSignature = signature
				}
				parts = append(parts, part)
			}
		case llm.RoleTool:
			role = "user"
			for _, r := range msg.ToolResults {
				response := map[string]any{"output": r.Content}
				if r.IsError {
					response = map[string]any{"error": r.Content}
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       r.ToolCallID,
					Name:     r.Name,
					Response: response,
				}})
			}
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func thoughtSignature(reasoning []llm.ReasoningDetail) []byte {
	for _, r := range reasoning {
		if r.Signature == "" {
			continue
		}
		if sig, err := base64.StdEncoding.DecodeString(r.Signature); err == nil {
			return sig
		}
	}
	return nil
}

func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

func convertProperty(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
		Format:      prop.Format,
	}
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertProperty(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(prop.Properties) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					schema.Properties[name] = convertProperty(child)
				}
			}
			schema.Required = prop.Required
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

// translator numbers function calls across chunks. Gemini delivers each call whole.
type translator struct {
	calls         int
	signatureSeen bool
}

func (t *translator) translate(resp *genai.GenerateContentResponse) []llm.StreamEvent {
	if resp == nil {
		return nil
	}
	var events []llm.StreamEvent
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				events = append(events, t.part(part)...)
			}
		}
		if reason := mapFinishReason(cand.FinishReason); reason != "" {
			events = append(events, llm.StreamEvent{Kind: llm.EventFinish, Finish: reason})
		}
	}
	if u := resp.UsageMetadata; u != nil {
		events = append(events, llm.StreamEvent{Kind: llm.EventUsage, Usage: &llm.Usage{
			InputTokens:     int(u.PromptTokenCount),
			OutputTokens:    int(u.CandidatesTokenCount),
			CacheReadTokens: int(u.CachedContentTokenCount),
			ReasoningTokens: int(u.ThoughtsTokenCount),
		}})
	}
	return events
}

func (t *translator) part(part *genai.Part) []llm.StreamEvent {
	if part == nil {
		return nil
	}
	var events []llm.StreamEvent
	if len(part.ThoughtSignature) > 0 && !t.signatureSeen {
		t.signatureSeen = true
		events = append(events, llm.StreamEvent{
			Kind:      llm.EventReasoningSignature,
			Index:     reasoningIndex,
			Signature: base64.StdEncoding.EncodeToString(part.ThoughtSignature),
		})
	}
	switch {
	case part.FunctionCall != nil:
		call := part.FunctionCall
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args, err := json.Marshal(call.Args)
		if err != nil || call.Args == nil {
			args = []byte("{}")
		}
		events = append(events, llm.StreamEvent{Kind: llm.EventToolCallStart, Index: t.calls, ID: id, Name: call.Name, Text: string(args)})
		t.calls++
	case part.Thought && part.Text != "":
		events = append(events, llm.StreamEvent{Kind: llm.EventReasoning, Index: reasoningIndex, Text: part.Text})
	case part.Text != "":
		events = append(events, llm.StreamEvent{Kind: llm.EventText, Text: part.Text})
	}
	return events
}

// mapFinishReason leaves STOP unmapped: Gemini reports it for tool-calling
// replies too, and the accumulator infers the reason from the content.
func mapFinishReason(reason genai.FinishReason) llm.FinishReason {
	switch string(reason) {
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return llm.FinishContentFilter
	case "MALFORMED_FUNCTION_CALL":
		return llm.FinishError
	default:
		return ""
	}
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	var apiPtr *genai.APIError
	if errors.As(err, &apiPtr) && apiPtr != nil {
		return fromAPIError(apiPtr.Code, apiPtr.Status, apiPtr.Message, err)
	}
	return llmerrors.Classify(err)
}

func fromAPIError(code int, status, message string, cause error) error {
	body, _ := json.Marshal(map[string]any{"error": map[string]any{"code": code, "status": status, "message": message}})
	return llmerrors.FromStatusCode(code, body, cause)
}
