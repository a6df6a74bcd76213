package llmerrors

import (
	"encoding/json"
	"strings"
)

// vendorEnvelope covers the error bodies of the supported vendors:
//
//	Anthropic: {"type":"error","error":{"type":"overloaded_error","message":"..."}}
//	OpenAI:    {"error":{"type":"server_error","code":"rate_limit_exceeded","message":"..."}}
//	Gemini:    {"error":{"code":503,"status":"UNAVAILABLE","message":"..."}}
//	Ollama:    {"error":"model 'x' not found"}
type vendorEnvelope struct {
	Type  string          `json:"type"`
	Error json.RawMessage `json:"error"`
}

type vendorDetail struct {
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
}

// vendorTypes maps vendor error codes to error types. Keys are lower-cased.
//
//nolint:gochecknoglobals // lookup table
var vendorTypes = map[string]ErrorType{
	"overloaded_error":        ErrorTypeOverloaded,
	"unavailable":             ErrorTypeOverloaded,
	"rate_limit_error":        ErrorTypeRateLimit,
	"rate_limit_exceeded":     ErrorTypeRateLimit,
	"resource_exhausted":      ErrorTypeRateLimit,
	"insufficient_quota":      ErrorTypeAuth,
	"api_error":               ErrorTypeTransient,
	"server_error":            ErrorTypeTransient,
	"internal":                ErrorTypeTransient,
	"deadline_exceeded":       ErrorTypeTransient,
	"timeout_error":           ErrorTypeTransient,
	"authentication_error":    ErrorTypeAuth,
	"permission_error":        ErrorTypeAuth,
	"invalid_api_key":         ErrorTypeAuth,
	"unauthenticated":         ErrorTypeAuth,
	"permission_denied":       ErrorTypeAuth,
	"invalid_request_error":   ErrorTypeBadPrompt,
	"invalid_argument":        ErrorTypeBadPrompt,
	"not_found_error":         ErrorTypeBadPrompt,
	"context_length_exceeded": ErrorTypeBadPrompt,
	"request_too_large":       ErrorTypeBadPrompt,
	"failed_precondition":     ErrorTypeBadPrompt,
}

// DecodePayload deserializes a vendor error body into a typed error.
// Returns nil when body is not a recognisable error envelope.
func DecodePayload(body []byte) *Error {
	if len(body) == 0 {
		return nil
	}

	var env vendorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		return nil
	}

	var plain string
	if err := json.Unmarshal(env.Error, &plain); err == nil {
		return &Error{Type: ErrorTypeUnknown, Message: plain, BodyStub: stub(body)}
	}

	var detail vendorDetail
	if err := json.Unmarshal(env.Error, &detail); err != nil {
		return nil
	}

	code := strings.Trim(string(detail.Code), `"`)
	result := &Error{
		Type:     ErrorTypeUnknown,
		Message:  detail.Message,
		BodyStub: stub(body),
	}
	for _, candidate := range []string{code, detail.Type, detail.Status} {
		if candidate == "" {
			continue
		}
		if t, ok := vendorTypes[strings.ToLower(candidate)]; ok {
			result.Type = t
			result.VendorType = candidate
			return result
		}
		if result.VendorType == "" {
			result.VendorType = candidate
		}
	}
	return result
}
