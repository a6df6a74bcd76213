package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// ShellTool runs a command through sh in the workspace.
type ShellTool struct {
	workDir     string
	outputLimit int
}

// NewShellTool creates a new shell tool. outputLimit caps each of stdout and stderr.
func NewShellTool(workDir string, outputLimit int) *ShellTool {
	if outputLimit <= 0 {
		outputLimit = DefaultShellOutputLimit
	}
	return &ShellTool{workDir: workDir, outputLimit: outputLimit}
}

type shellArgs struct {
	Command string `json:"command"`
}

// Name returns the tool name.
func (t *ShellTool) Name() string {
	return ToolShell
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ShellTool) PromptDocumentation() string {
	return `- **shell** - Execute a shell command in the workspace
  - Parameters: command (string, REQUIRED)
  - Returns stdout, stderr and the exit code
  - Output is truncated when very long`
}

// Definition returns the tool definition for LLM.
func (t *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolShell,
		Description: "Execute a shell command in the workspace and return its output and exit code.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "The command to run with sh -c",
				},
			},
			Required: []string{"command"},
		},
		Modalities: []Modality{ModalityShell},
	}
}

// Operation implements Authorizer.
func (t *ShellTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	cmd := utils.GetMapFieldOr(args, "command", "")
	return policy.Execute(cmd, cwd), true
}

// Exec executes the tool with the given arguments.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in shellArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Command == "" {
		return nil, fmt.Errorf("command argument cannot be empty")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = t.workDir
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: t.outputLimit}
	stderr := &cappedBuffer{limit: t.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // context error is surfaced as-is
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return errorResult(fmt.Sprintf("failed to execute command: %v", err)), nil
		}
		exitCode = exitErr.ExitCode()
	}

	return successResult(map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"truncated": stdout.truncated || stderr.truncated,
	})
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
