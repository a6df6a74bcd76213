// Package llmerrors classifies provider failures so the retry controller can
// tell transient trouble from terminal mistakes.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorType is the classification of a provider failure.
type ErrorType int8

// Retryable types come first; IsRetryable lists the terminal ones.
const (
	ErrorTypeRateLimit     ErrorType = iota // 429, quota exhausted
	ErrorTypeTransient                      // 408, 5xx, dropped connection
	ErrorTypeOverloaded                     // Anthropic 529, Gemini UNAVAILABLE
	ErrorTypeEmptyResponse                  // 200 with neither text nor tool calls

	ErrorTypeAuth               // 401/403, missing or revoked key
	ErrorTypeBadPrompt          // other 4xx: context too long, invalid schema
	ErrorTypeUnknown            // unclassified
	ErrorTypeServiceUnavailable // provider given up on after repeated failures
)

//nolint:gochecknoglobals // static lookup
var typeNames = [...]string{
	ErrorTypeRateLimit:          "rate_limit",
	ErrorTypeTransient:          "transient",
	ErrorTypeOverloaded:         "overloaded",
	ErrorTypeEmptyResponse:      "empty_response",
	ErrorTypeAuth:               "auth",
	ErrorTypeBadPrompt:          "bad_prompt",
	ErrorTypeUnknown:            "unknown",
	ErrorTypeServiceUnavailable: "service_unavailable",
}

func (et ErrorType) String() string {
	if et < 0 || int(et) >= len(typeNames) {
		return "invalid"
	}
	return typeNames[et]
}

// bodyStubLimit bounds how much of a vendor response body is kept on an error.
const bodyStubLimit = 256

// Error is a classified provider failure.
type Error struct {
	Err        error
	Message    string
	BodyStub   string // leading bytes of the response body
	VendorType string // vendor error code, e.g. "overloaded_error"
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether another attempt could succeed. Only auth, bad
// prompt and service-unavailable failures are terminal.
func (e *Error) IsRetryable() bool {
	return e.Type != ErrorTypeAuth && e.Type != ErrorTypeBadPrompt && e.Type != ErrorTypeServiceUnavailable
}

// Is reports whether err wraps an *Error of type t.
func Is(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// TypeOf returns the classification of err, ErrorTypeUnknown when it carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

func NewErrorWithStatus(t ErrorType, statusCode int, message string) *Error {
	return &Error{Type: t, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(t ErrorType, cause error, message string) *Error {
	return &Error{Type: t, Err: cause, Message: message}
}

// TypeForStatus maps an HTTP status to a classification.
func TypeForStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 529:
		return ErrorTypeOverloaded
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode == 401, statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 408, statusCode >= 500:
		return ErrorTypeTransient
	case statusCode >= 400:
		return ErrorTypeBadPrompt
	}
	return ErrorTypeUnknown
}

// FromStatusCode classifies a failed HTTP exchange. A recognised vendor error
// envelope in body takes precedence over the status mapping.
func FromStatusCode(statusCode int, body []byte, cause error) *Error {
	if decoded := DecodePayload(body); decoded != nil {
		decoded.StatusCode = statusCode
		decoded.Err = cause
		if decoded.Type == ErrorTypeUnknown {
			decoded.Type = TypeForStatus(statusCode)
		}
		return decoded
	}
	return &Error{
		Type:       TypeForStatus(statusCode),
		StatusCode: statusCode,
		Err:        cause,
		BodyStub:   stub(body),
		Message:    fmt.Sprintf("HTTP %d", statusCode),
	}
}

func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}

// NewServiceUnavailableError marks a provider as unusable after attempts failures.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

func stub(body []byte) string {
	if len(body) > bodyStubLimit {
		body = body[:bodyStubLimit]
	}
	return string(body)
}
