package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

const (
	defaultReadLines   = 2000    // Default number of lines to read
	maxLineLength      = 2000    // Truncate lines longer than this
	defaultStartOffset = 1       // 1-based line numbering
	defaultMaxReadSize = 1 << 20 // Safety cap on total output bytes
)

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workDir      string
	maxSizeBytes int
}

// NewReadFileTool creates a new read_file tool.
func NewReadFileTool(workDir string, maxSizeBytes int) *ReadFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxReadSize
	}
	return &ReadFileTool{workDir: workDir, maxSizeBytes: maxSizeBytes}
}

type readFileArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ReadFileTool) PromptDocumentation() string {
	return `- **read_file** - Read contents of a file from the workspace
  - Parameters:
    - path (string, REQUIRED): path to the file, relative to the workspace
    - offset (integer, optional): line number to start from (1-based, default: 1)
    - limit (integer, optional): number of lines to read (default: 2000)
  - Output uses numbered lines (cat -n format)
  - Lines longer than 2000 characters are truncated`
}

// Definition returns the tool definition for LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start reading from (1-based). Defaults to 1.",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read. Defaults to 2000.",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Operation implements Authorizer.
func (t *ReadFileTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	path, cwd := authorizedPath(utils.GetMapFieldOr(args, "path", ""), cwd)
	return policy.Read(path, cwd, "read_file"), true
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in readFileArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path is required and must be a string")
	}
	if in.Offset < 1 {
		in.Offset = defaultStartOffset
	}
	if in.Limit < 1 {
		in.Limit = defaultReadLines
	}

	full := resolvePath(t.workDir, in.Path)
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errorResult(fmt.Sprintf("file not found: %s", in.Path)), nil
		}
		return errorResult(fmt.Sprintf("file not readable: %s (error: %v)", in.Path, err)), nil
	}
	defer func() { _ = f.Close() }()

	var (
		out        strings.Builder
		totalLines int
		truncated  bool
		endLine    = in.Offset + in.Limit - 1
	)
	reader := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err //nolint:wrapcheck // context error is surfaced as-is
		}
		line, readErr := reader.ReadString('\n')
		if line != "" {
			totalLines++
			if totalLines >= in.Offset && totalLines <= endLine && !truncated {
				text := strings.TrimRight(line, "\r\n")
				if len([]rune(text)) > maxLineLength {
					text = string([]rune(text)[:maxLineLength])
				}
				fmt.Fprintf(&out, "%6d\t%s\n", totalLines, text)
				if out.Len() > t.maxSizeBytes {
					truncated = true
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	content := out.String()
	if len(content) > t.maxSizeBytes {
		content = content[:t.maxSizeBytes]
	}
	if totalLines > endLine {
		truncated = true
	}

	return successResult(map[string]any{
		"content":     content,
		"path":        in.Path,
		"truncated":   truncated,
		"offset":      in.Offset,
		"limit":       in.Limit,
		"total_lines": totalLines,
	})
}

// authorizedPath resolves symlinks in p and cwd so rules see the file a
// handler will actually touch. For paths that do not exist yet the deepest
// existing ancestor is resolved and the rest appended.
func authorizedPath(p, cwd string) (string, string) {
	if cwd != "" {
		if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
			cwd = resolved
		}
	}
	if p == "" {
		return p, cwd
	}
	abs := resolvePath(cwd, p)
	missing := ""
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, missing), cwd
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, cwd
		}
		missing = filepath.Join(filepath.Base(dir), missing)
		dir = parent
	}
}

// resolvePath anchors a relative path at workDir.
func resolvePath(workDir, p string) string {
	if filepath.IsAbs(p) || workDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(workDir, p)
}
