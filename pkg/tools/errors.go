package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/policy"
)

// Sentinels for the per-call error taxonomy. Every typed error below matches
// its sentinel with errors.Is.
var (
	ErrNotFound            = errors.New("tool not found")
	ErrNotAllowed          = errors.New("tool not allowed")
	ErrUnsupportedModality = errors.New("unsupported modality")
	ErrCallArgument        = errors.New("invalid tool arguments")
	ErrCallTimeout         = errors.New("tool call timed out")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrEmptyToolResponse   = errors.New("tool returned an empty response")
)

// NotFoundError reports an unknown tool name.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("tool '%s' not registered", e.Tool) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotAllowedError reports a registered tool outside the active capability set.
type NotAllowedError struct {
	Tool    string
	Allowed []string
}

func (e *NotAllowedError) Error() string {
	allowed := slices.Clone(e.Allowed)
	slices.Sort(allowed)
	return fmt.Sprintf("tool '%s' not allowed in this context; supported tools: %s", e.Tool, strings.Join(allowed, ", "))
}
func (e *NotAllowedError) Unwrap() error { return ErrNotAllowed }

// UnsupportedModalityError reports capabilities a tool needs but the active model lacks.
type UnsupportedModalityError struct {
	Tool    string
	Missing []Modality
}

func (e *UnsupportedModalityError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = string(m)
	}
	return fmt.Sprintf("tool '%s' requires unsupported modality: %s", e.Tool, strings.Join(names, ", "))
}
func (e *UnsupportedModalityError) Unwrap() error { return ErrUnsupportedModality }

// CallArgumentError reports arguments that are not valid for the tool's schema.
type CallArgumentError struct {
	Tool   string
	Reason string
}

func (e *CallArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool '%s': %s", e.Tool, e.Reason)
}
func (e *CallArgumentError) Unwrap() error { return ErrCallArgument }

// CallTimeoutError reports a call that exceeded its time bound. The handler's
// context was canceled when it fired.
type CallTimeoutError struct {
	ToolName string
	Timeout  time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("tool '%s' timed out after %s", e.ToolName, e.Timeout)
}
func (e *CallTimeoutError) Unwrap() error { return ErrCallTimeout }

// PermissionDeniedError reports an operation the policy refused. The handler never ran.
type PermissionDeniedError struct {
	Tool      string
	Operation policy.Operation
	Reason    string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission denied: %s was not allowed for tool '%s'", e.Operation, e.Tool)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}
func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// IsRecoverable reports whether err belongs to the per-call taxonomy that is
// returned to the model as a tool result instead of aborting the turn.
func IsRecoverable(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrNotAllowed, ErrUnsupportedModality, ErrCallArgument,
		ErrCallTimeout, ErrPermissionDenied, ErrEmptyToolResponse,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Recover renders a recoverable error as an error result for the model.
// It returns false for errors that must abort the turn.
func Recover(err error) (*ExecResult, bool) {
	if err == nil || !IsRecoverable(err) {
		return nil, false
	}
	return errorResult(err.Error()), true
}

// errorResult creates a JSON error response.
func errorResult(msg string) *ExecResult {
	content, err := json.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	if err != nil {
		content = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, msg))
	}
	return &ExecResult{Content: string(content), IsError: true}
}

// successResult marshals fields with success=true.
func successResult(fields map[string]any) (*ExecResult, error) {
	fields["success"] = true
	content, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content)}, nil
}
