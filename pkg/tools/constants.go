package tools

import "time"

// Tool name constants - use these instead of magic strings to prevent typos
// and enable compile-time checking.
const (
	// File tools.
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolListFiles = "list_files"
	ToolUndo      = "undo"

	// Execution tools.
	ToolShell = "shell"

	// Research tools.
	ToolWebFetch = "web_fetch"
)

const (
	// DefaultTimeout bounds a tool call when neither the tool nor the caller sets one.
	DefaultTimeout = 2 * time.Minute

	// DefaultFetchContentLimit is the maximum number of characters web_fetch returns.
	DefaultFetchContentLimit = 50000

	// DefaultShellOutputLimit caps combined shell output in bytes.
	DefaultShellOutputLimit = 64 * 1024
)

// BuiltinTools lists every tool RegisterBuiltins installs.
//
//nolint:gochecknoglobals // read-only list
var BuiltinTools = []string{
	ToolReadFile,
	ToolWriteFile,
	ToolListFiles,
	ToolUndo,
	ToolShell,
	ToolWebFetch,
}

// ReadOnlyTools lists the built-in tools that never modify the workspace.
//
//nolint:gochecknoglobals // read-only list
var ReadOnlyTools = []string{
	ToolReadFile,
	ToolListFiles,
	ToolWebFetch,
}
