package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

// ListFilesTool lists workspace files, honoring the workspace .gitignore.
type ListFilesTool struct {
	workDir    string
	maxResults int
}

// NewListFilesTool creates a new list_files tool.
func NewListFilesTool(workDir string, maxResults int) *ListFilesTool {
	if maxResults <= 0 {
		maxResults = 1000 // Default: 1000 files
	}
	return &ListFilesTool{workDir: workDir, maxResults: maxResults}
}

type listFilesArgs struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ListFilesTool) PromptDocumentation() string {
	return `- **list_files** - List files in the workspace matching a pattern
  - Parameters: path (string, optional directory, default "."), pattern (string, optional glob)
  - Files ignored by .gitignore are skipped
  - Use to explore what files exist`
}

// Definition returns the tool definition for LLM.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files in the workspace matching a pattern. Use this to explore what files exist.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Directory to list, relative to the workspace. Defaults to the workspace root.",
				},
				"pattern": {
					Type:        "string",
					Description: "Glob matched against file names or relative paths (e.g. '*.go', 'cmd/*/main.go'). Defaults to all files.",
				},
			},
		},
	}
}

// Operation implements Authorizer.
func (t *ListFilesTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	path := utils.GetMapFieldOr(args, "path", "")
	if path == "" {
		path = "."
	}
	path, cwd = authorizedPath(path, cwd)
	return policy.Read(path, cwd, "list_files"), true
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in listFilesArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		in.Path = "."
	}
	if in.Pattern != "" {
		if _, err := filepath.Match(in.Pattern, ""); err != nil {
			return errorResult(fmt.Sprintf("invalid pattern %q: %v", in.Pattern, err)), nil
		}
	}

	root := resolvePath(t.workDir, in.Path)
	gitignore := t.loadIgnore(root)

	var files []string
	truncated := false
	errStop := errors.New("stop")
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || (gitignore != nil && gitignore.MatchesPath(rel+"/")) {
				return filepath.SkipDir
			}
			return nil
		}
		if gitignore != nil && gitignore.MatchesPath(rel) {
			return nil
		}
		if !matchPattern(in.Pattern, rel) {
			return nil
		}
		if len(files) >= t.maxResults {
			truncated = true
			return errStop
		}
		files = append(files, rel)
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStop) {
		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // context error is surfaced as-is
		}
		return errorResult(fmt.Sprintf("failed to list files in %s: %v", in.Path, walkErr)), nil
	}
	if files == nil {
		files = []string{}
	}
	sort.Strings(files)

	return successResult(map[string]any{
		"files":     files,
		"count":     len(files),
		"path":      in.Path,
		"pattern":   in.Pattern,
		"truncated": truncated,
	})
}

// loadIgnore compiles the .gitignore at the workspace root, falling back to one in root.
func (t *ListFilesTool) loadIgnore(root string) *ignore.GitIgnore {
	for _, dir := range []string{root, t.workDir} {
		if dir == "" {
			continue
		}
		gi, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore"))
		if err == nil {
			return gi
		}
	}
	return nil
}

// matchPattern matches a glob against the file name or the whole relative path.
func matchPattern(pattern, rel string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok && !strings.Contains(pattern, "/") {
		return true
	}
	ok, _ := filepath.Match(pattern, rel)
	return ok
}
