package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/snapshot"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// UndoTool restores the most recent snapshot of a file.
type UndoTool struct {
	snapshots SnapshotStore
	workDir   string
}

// NewUndoTool creates a new undo tool.
func NewUndoTool(workDir string, snapshots SnapshotStore) *UndoTool {
	return &UndoTool{workDir: workDir, snapshots: snapshots}
}

type undoArgs struct {
	Path string `json:"path"`
}

// Name returns the tool name.
func (t *UndoTool) Name() string {
	return ToolUndo
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *UndoTool) PromptDocumentation() string {
	return `- **undo** - Revert the last write_file change to a file
  - Parameters: path (string, REQUIRED)
  - Files that did not exist before the change are removed`
}

// Definition returns the tool definition for LLM.
func (t *UndoTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolUndo,
		Description: "Revert the most recent write_file change to a file, restoring its previous content.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path of the file to restore",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Operation implements Authorizer.
func (t *UndoTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	path, cwd := authorizedPath(utils.GetMapFieldOr(args, "path", ""), cwd)
	return policy.Write(path, cwd, "undo"), true
}

// Exec executes the tool with the given arguments.
func (t *UndoTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in undoArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path is required and must be a string")
	}
	if t.snapshots == nil {
		return errorResult("undo is not available: no snapshot store configured"), nil
	}

	snap, err := t.snapshots.Undo(ctx, resolvePath(t.workDir, in.Path))
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return errorResult(fmt.Sprintf("nothing to undo for %s", in.Path)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("undo %s failed: %v", in.Path, err)), nil
	}

	return successResult(map[string]any{
		"path":     in.Path,
		"restored": snap.Existed,
		"removed":  !snap.Existed,
	})
}
