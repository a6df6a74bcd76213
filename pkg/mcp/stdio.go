package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// ServerConfig describes how to launch an MCP server.
type ServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Connector opens a client for a configured server.
type Connector interface {
	Connect(ctx context.Context, name string, cfg ServerConfig, env map[string]string) (Client, error)
}

// StdioConnector launches each server as a subprocess and talks to it over
// its stdin and stdout.
type StdioConnector struct {
	// WorkDir is the subprocess working directory.
	WorkDir string
	// ShutdownGrace is how long a server may take to exit after its stdin closes.
	ShutdownGrace time.Duration
}

// Connect starts the server and performs the initialize handshake. The process
// is not bound to ctx; it lives until the returned client is closed.
func (s StdioConnector) Connect(ctx context.Context, name string, cfg ServerConfig, env map[string]string) (Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %s has no command", name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...) //nolint:gosec // command comes from the workflow file
	cmd.Dir = s.WorkDir
	cmd.Env = buildEnv(cfg.Env, env)
	cmd.Stderr = &stderrLogger{logger: logx.NewLogger("mcp").With("server", name)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s stdin: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s stdout: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", name, err)
	}

	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	client := NewRPCClient(name, stdout, stdin, func() error {
		return stopProcess(cmd, stdin, grace)
	})
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// stopProcess closes stdin, then kills the process if it has not exited within grace.
func stopProcess(cmd *exec.Cmd, stdin io.Closer, grace time.Duration) error {
	_ = stdin.Close()
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err //nolint:wrapcheck // process wait error
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}

// buildEnv layers the server's configured variables over the process
// environment. Values may reference ${VAR}, resolved from extra first.
func buildEnv(configured, extra map[string]string) []string {
	lookup := func(key string) string {
		if v, ok := extra[key]; ok {
			return v
		}
		return os.Getenv(key)
	}
	out := os.Environ()
	keys := make([]string, 0, len(configured))
	for k := range configured {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(configured[k], lookup))
	}
	return out
}

// stderrLogger forwards server stderr to the debug log.
type stderrLogger struct {
	logger *logx.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.logger.Debug("stderr: %s", string(p))
	return len(p), nil
}
