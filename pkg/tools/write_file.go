package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// WriteFileTool creates or overwrites a file, recording a snapshot first so the
// change can be undone.
type WriteFileTool struct {
	snapshots SnapshotStore
	workDir   string
}

// NewWriteFileTool creates a new write_file tool. A nil store writes without snapshots.
func NewWriteFileTool(workDir string, snapshots SnapshotStore) *WriteFileTool {
	return &WriteFileTool{workDir: workDir, snapshots: snapshots}
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return ToolWriteFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WriteFileTool) PromptDocumentation() string {
	return `- **write_file** - Create or overwrite a file in the workspace
  - Parameters: path (string, REQUIRED), content (string, REQUIRED)
  - Parent directories are created as needed
  - The previous content is saved and can be restored with undo`
}

// Definition returns the tool definition for LLM.
func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file with the given content. The previous version can be restored with undo.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace",
				},
				"content": {
					Type:        "string",
					Description: "Full new content of the file",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Operation implements Authorizer.
func (t *WriteFileTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	path, cwd := authorizedPath(utils.GetMapFieldOr(args, "path", ""), cwd)
	return policy.Write(path, cwd, "write_file"), true
}

// Exec executes the tool with the given arguments.
func (t *WriteFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in writeFileArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path is required and must be a string")
	}

	full := resolvePath(t.workDir, in.Path)
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return errorResult(fmt.Sprintf("%s is a directory", in.Path)), nil
	}

	result := map[string]any{"path": in.Path, "bytes": len(in.Content)}
	if t.snapshots != nil {
		snap, err := t.snapshots.Insert(ctx, full)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to snapshot %s: %v", in.Path, err)), nil
		}
		result["snapshot_id"] = snap.ID
		result["created"] = !snap.Existed
	}

	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // context error is surfaced as-is
	}
	if err := writeAtomic(full, []byte(in.Content)); err != nil {
		return errorResult(fmt.Sprintf("failed to write %s: %v", in.Path, err)), nil
	}
	return successResult(result)
}

// writeAtomic replaces path through a rename so readers never see a partial file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
