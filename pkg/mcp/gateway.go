package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// Gateway errors.
var (
	ErrUnknownServer = errors.New("unknown mcp server")
	ErrUnknownTool   = errors.New("tool not provided by any mcp server")
)

// maxDiscovery bounds concurrent server connections during ListTools.
const maxDiscovery = 4

// ServerTools is the discovery result for one server.
type ServerTools struct {
	Server string
	Tools  []tools.ToolDefinition
	Err    error
}

// Gateway owns one long-lived client per configured server. Clients connect on
// first use and are reused until Close.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type Gateway struct {
	connector Connector
	servers   map[string]ServerConfig
	env       map[string]string
	logger    *logx.Logger

	mu      sync.Mutex
	conns   map[string]*serverConn
	toolIdx map[string]string // tool name -> server
	closed  bool
}

type serverConn struct {
	mu     sync.Mutex
	client Client
}

// NewGateway returns a gateway over servers. env supplies values for ${VAR}
// references in server environments.
func NewGateway(connector Connector, servers map[string]ServerConfig, env map[string]string) *Gateway {
	cp := make(map[string]ServerConfig, len(servers))
	for k, v := range servers {
		cp[k] = v
	}
	return &Gateway{
		connector: connector,
		servers:   cp,
		env:       env,
		logger:    logx.NewLogger("mcp-gateway"),
		conns:     make(map[string]*serverConn),
		toolIdx:   make(map[string]string),
	}
}

// Servers returns the configured server names, sorted.
func (g *Gateway) Servers() []string {
	names := make([]string, 0, len(g.servers))
	for name := range g.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// client returns the connected client for server, connecting on first use.
func (g *Gateway) client(ctx context.Context, server string) (Client, error) {
	cfg, ok := g.servers[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClientClosed
	}
	conn, ok := g.conns[server]
	if !ok {
		conn = &serverConn{}
		g.conns[server] = conn
	}
	g.mu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.client != nil {
		return conn.client, nil
	}
	g.logger.Info("connecting to mcp server %s", server)
	client, err := g.connector.Connect(ctx, server, cfg, g.env)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}
	conn.client = client
	return client, nil
}

// forget drops a dead client so the next use reconnects.
func (g *Gateway) forget(server string, client Client) {
	g.mu.Lock()
	conn := g.conns[server]
	g.mu.Unlock()
	if conn == nil {
		return
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.client == client {
		_ = client.Close()
		conn.client = nil
	}
}

// ListTools discovers tools on every server concurrently. A server that fails
// is reported in its ServerTools.Err and does not affect the others. When two
// servers advertise the same name, the first server in name order owns it.
func (g *Gateway) ListTools(ctx context.Context) []ServerTools {
	p := pool.NewWithResults[ServerTools]().WithMaxGoroutines(maxDiscovery)
	for _, server := range g.Servers() {
		p.Go(func() ServerTools {
			client, err := g.client(ctx, server)
			if err != nil {
				return ServerTools{Server: server, Err: err}
			}
			defs, err := client.ListTools(ctx)
			if errors.Is(err, ErrClientClosed) {
				g.forget(server, client)
			}
			return ServerTools{Server: server, Tools: defs, Err: err}
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Server < results[j].Server })

	g.mu.Lock()
	defer g.mu.Unlock()
	g.toolIdx = make(map[string]string)
	for i := range results {
		if results[i].Err != nil {
			g.logger.Warn("mcp server %s unavailable: %v", results[i].Server, results[i].Err)
			continue
		}
		for _, def := range results[i].Tools {
			if owner, taken := g.toolIdx[def.Name]; taken {
				g.logger.Warn("tool %s from %s shadowed by %s", def.Name, results[i].Server, owner)
				continue
			}
			g.toolIdx[def.Name] = results[i].Server
		}
	}
	return results
}

// ServerFor returns the server that provides toolName after the last ListTools.
func (g *Gateway) ServerFor(toolName string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	server, ok := g.toolIdx[toolName]
	return server, ok
}

// Call forwards a tool call to the server that advertised it. It implements tools.Delegate.
func (g *Gateway) Call(ctx context.Context, toolName string, args map[string]any) (*tools.ExecResult, error) {
	server, ok := g.ServerFor(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	client, err := g.client(ctx, server)
	if err != nil {
		return nil, err
	}
	res, err := client.Call(ctx, toolName, args)
	if errors.Is(err, ErrClientClosed) {
		g.forget(server, client)
	}
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", toolName, server, err)
	}
	return res, nil
}

// Register discovers tools and registers them in reg as MCP tools delegating
// to the gateway. Names that collide with tools already in reg are skipped.
func (g *Gateway) Register(ctx context.Context, reg *tools.Registry) int {
	registered := 0
	for _, st := range g.ListTools(ctx) {
		if st.Err != nil {
			continue
		}
		var mine []tools.ToolDefinition
		for _, def := range st.Tools {
			if owner, _ := g.ServerFor(def.Name); owner == st.Server {
				mine = append(mine, def)
			}
		}
		skipped := tools.RegisterMCPTools(reg, st.Server, mine, g)
		for _, name := range skipped {
			g.logger.Warn("mcp tool %s from %s conflicts with a registered tool", name, st.Server)
		}
		registered += len(mine) - len(skipped)
	}
	return registered
}

// Close closes every connected client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	conns := g.conns
	g.conns = make(map[string]*serverConn)
	g.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		conn.mu.Lock()
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
			conn.client = nil
		}
		conn.mu.Unlock()
	}
	return errors.Join(errs...)
}
