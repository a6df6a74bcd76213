package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/snapshot"
)

func decode(t *testing.T, res *ExecResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	return out
}

// memSnapshots is an in-memory SnapshotStore with the repository's LIFO semantics.
type memSnapshots struct {
	stack map[string][]memSnap
	next  int64
}

type memSnap struct {
	snap    snapshot.Snapshot
	content []byte
}

func newSnapshots(*testing.T) *memSnapshots {
	return &memSnapshots{stack: make(map[string][]memSnap)}
}

func (m *memSnapshots) Insert(_ context.Context, path string) (snapshot.Snapshot, error) {
	m.next++
	s := memSnap{snap: snapshot.Snapshot{ID: m.next, Path: path}}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		s.snap.Existed = true
		s.content = content
	case !errors.Is(err, fs.ErrNotExist):
		return snapshot.Snapshot{}, err
	}
	m.stack[path] = append(m.stack[path], s)
	return s.snap, nil
}

func (m *memSnapshots) Undo(_ context.Context, path string) (snapshot.Snapshot, error) {
	stack := m.stack[path]
	if len(stack) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrNoSnapshot
	}
	top := stack[len(stack)-1]
	m.stack[path] = stack[:len(stack)-1]
	if !top.snap.Existed {
		return top.snap, os.Remove(path)
	}
	return top.snap, os.WriteFile(path, top.content, 0o644)
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))
	tool := NewReadFileTool(dir, 0)
	ctx := context.Background()

	res, err := tool.Exec(ctx, map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "     1\tone\n     2\ttwo\n     3\tthree\n", out["content"])
	assert.Equal(t, float64(3), out["total_lines"])
	assert.Equal(t, false, out["truncated"])

	res, err = tool.Exec(ctx, map[string]any{"path": "a.txt", "offset": 2, "limit": 1})
	require.NoError(t, err)
	out = decode(t, res)
	assert.Equal(t, "     2\ttwo\n", out["content"])
	assert.Equal(t, true, out["truncated"])

	res, err = tool.Exec(ctx, map[string]any{"path": "missing.txt"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "file not found")

	_, err = tool.Exec(ctx, map[string]any{})
	assert.Error(t, err)
}

func TestWriteFileAndUndo(t *testing.T) {
	dir := t.TempDir()
	store := newSnapshots(t)
	write := NewWriteFileTool(dir, store)
	undo := NewUndoTool(dir, store)
	ctx := context.Background()
	target := filepath.Join(dir, "pkg", "new.go")

	res, err := write.Exec(ctx, map[string]any{"path": "pkg/new.go", "content": "package pkg\n"})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, true, out["created"])

	res, err = write.Exec(ctx, map[string]any{"path": "pkg/new.go", "content": "package pkg // v2\n"})
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, res)["created"])

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "package pkg // v2\n", string(got))

	res, err = undo.Exec(ctx, map[string]any{"path": "pkg/new.go"})
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["restored"])
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(got))

	res, err = undo.Exec(ctx, map[string]any{"path": "pkg/new.go"})
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["removed"])
	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))

	res, err = undo.Exec(ctx, map[string]any{"path": "pkg/new.go"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "nothing to undo")
}

func TestWriteFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	res, err := NewWriteFileTool(dir, nil).Exec(context.Background(), map[string]any{"path": "sub", "content": "x"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "is a directory")
}

func TestListFilesHonorsGitignore(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		".gitignore":           "build/\n*.log\n",
		"main.go":              "package main",
		"cmd/tool/main.go":     "package main",
		"build/out.bin":        "x",
		"debug.log":            "x",
		"docs/readme.md":       "# docs",
		".git/HEAD":            "ref",
		"internal/a/a_test.go": "package a",
	}
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	tool := NewListFilesTool(dir, 0)
	ctx := context.Background()

	res, err := tool.Exec(ctx, map[string]any{})
	require.NoError(t, err)
	out := decode(t, res)
	var listed []string
	for _, f := range out["files"].([]any) {
		listed = append(listed, f.(string))
	}
	assert.Equal(t, []string{".gitignore", "cmd/tool/main.go", "docs/readme.md", "internal/a/a_test.go", "main.go"}, listed)

	res, err = tool.Exec(ctx, map[string]any{"pattern": "*.go"})
	require.NoError(t, err)
	assert.Equal(t, float64(3), decode(t, res)["count"])

	res, err = tool.Exec(ctx, map[string]any{"pattern": "cmd/*/main.go"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), decode(t, res)["count"])

	res, err = tool.Exec(ctx, map[string]any{"pattern": "[bad"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListFilesTruncates(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, strings.Repeat("f", i+1)), nil, 0o644))
	}
	res, err := NewListFilesTool(dir, 2).Exec(context.Background(), map[string]any{})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, true, out["truncated"])
}

func TestShellTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewShellTool(dir, 0)
	ctx := context.Background()

	res, err := tool.Exec(ctx, map[string]any{"command": "echo hello && echo oops >&2 && exit 3"})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "hello\n", out["stdout"])
	assert.Equal(t, "oops\n", out["stderr"])
	assert.Equal(t, float64(3), out["exit_code"])

	res, err = tool.Exec(ctx, map[string]any{"command": "pwd"})
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(decode(t, res)["stdout"].(string)))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = tool.Exec(ctx, map[string]any{"command": ""})
	assert.Error(t, err)
}

func TestShellToolCapsOutput(t *testing.T) {
	res, err := NewShellTool(t.TempDir(), 10).Exec(context.Background(), map[string]any{"command": "printf '%050d' 0"})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Len(t, out["stdout"], 10)
	assert.Equal(t, true, out["truncated"])
}

func TestFileOperationsResolveSymlinks(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "passwd"), []byte("root"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(ws, "etc")))

	cp, err := policy.Compile(policy.Policy{
		Rules: []policy.Rule{
			{Kind: policy.KindRead, Pattern: "**", Permission: policy.Allow},
			{Kind: policy.KindWrite, Pattern: "**", Permission: policy.Allow},
		},
		Default: policy.Deny,
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		tool Authorizer
		path string
		want policy.Permission
	}{
		{"read inside", NewReadFileTool(ws, 0), "main.go", policy.Allow},
		{"read through link", NewReadFileTool(ws, 0), "etc/passwd", policy.Deny},
		{"list through link", NewListFilesTool(ws, 0), "etc", policy.Deny},
		{"write through link", NewWriteFileTool(ws, nil), "etc/passwd", policy.Deny},
		{"write new file through link", NewWriteFileTool(ws, nil), "etc/new/file.txt", policy.Deny},
		{"write new file inside", NewWriteFileTool(ws, nil), "pkg/new.go", policy.Allow},
		{"undo through link", NewUndoTool(ws, nil), "etc/passwd", policy.Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, ok := tt.tool.Operation(map[string]any{"path": tt.path}, ws)
			require.True(t, ok)
			assert.Equal(t, tt.want, cp.Authorize(op), op.String())
		})
	}
}
