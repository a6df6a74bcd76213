package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind names the class of an operation.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindExecute Kind = "execute"
	KindFetch   Kind = "fetch"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRead, KindWrite, KindExecute, KindFetch:
		return true
	default:
		return false
	}
}

// Operation describes an action that needs authorization.
// Which subject field is meaningful depends on Kind.
type Operation struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path,omitempty"`
	Command string `json:"command,omitempty"`
	URL     string `json:"url,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Message string `json:"message,omitempty"`
}

// Read describes reading path.
func Read(path, cwd, message string) Operation {
	return Operation{Kind: KindRead, Path: path, Cwd: cwd, Message: message}
}

// Write describes modifying path.
func Write(path, cwd, message string) Operation {
	return Operation{Kind: KindWrite, Path: path, Cwd: cwd, Message: message}
}

// Execute describes running command in cwd.
func Execute(command, cwd string) Operation {
	return Operation{Kind: KindExecute, Command: command, Cwd: cwd}
}

// Fetch describes retrieving url.
func Fetch(url, cwd, message string) Operation {
	return Operation{Kind: KindFetch, URL: url, Cwd: cwd, Message: message}
}

// Subject returns the normalized value rules are matched against:
// an absolute clean path, a whitespace-normalized command, or the URL.
func (o Operation) Subject() string {
	switch o.Kind {
	case KindRead, KindWrite:
		return resolvePath(o.Path, o.Cwd)
	case KindExecute:
		return normalizeCommand(o.Command)
	case KindFetch:
		return strings.TrimSpace(o.URL)
	default:
		return ""
	}
}

// String renders the operation for prompts and logs.
func (o Operation) String() string {
	s := fmt.Sprintf("%s %s", o.Kind, o.Subject())
	if o.Message != "" {
		s += " (" + o.Message + ")"
	}
	return s
}

func resolvePath(p, cwd string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && cwd != "" {
		p = filepath.Join(cwd, p)
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// splitCommand breaks a shell command line into the simple commands it runs.
// Control operators, pipes, redirections and substitutions all separate
// segments, so a prefix rule never covers whatever is chained after it.
// Quoting is not interpreted; an operator inside quotes still splits.
func splitCommand(cmd string) []string {
	fields := strings.FieldsFunc(cmd, func(r rune) bool {
		return strings.ContainsRune(";&|\n\r`()<>", r)
	})
	var out []string
	for _, f := range fields {
		if seg := normalizeCommand(f); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
