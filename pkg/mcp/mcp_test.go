package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// fakeServer answers MCP requests read from r on w.
type fakeServer struct {
	tools    []map[string]any
	pageSize int
	calls    atomic.Int32
}

func (s *fakeServer) serve(r io.Reader, w io.WriteCloser) {
	defer w.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req message
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			continue
		}
		reply := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID)}
		switch req.Method {
		case "initialize":
			reply["result"] = map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
			}
		case "tools/list":
			var p listToolsParams
			_ = json.Unmarshal(req.Params, &p)
			start := 0
			if p.Cursor != "" {
				start = int(p.Cursor[0] - '0')
			}
			end := len(s.tools)
			if s.pageSize > 0 && start+s.pageSize < end {
				end = start + s.pageSize
			}
			result := map[string]any{"tools": s.tools[start:end]}
			if end < len(s.tools) {
				result["nextCursor"] = string(rune('0' + end))
			}
			reply["result"] = result
		case "tools/call":
			s.calls.Add(1)
			var p callToolParams
			_ = json.Unmarshal(req.Params, &p)
			switch p.Name {
			case "echo":
				reply["result"] = map[string]any{
					"content": []map[string]any{
						{"type": "text", "text": "echo: " + p.Arguments["text"].(string)},
						{"type": "image", "mimeType": "image/png", "data": "AAAA"},
					},
				}
			case "fail":
				reply["result"] = map[string]any{
					"content": []map[string]any{{"type": "text", "text": "it broke"}},
					"isError": true,
				}
			default:
				reply["error"] = map[string]any{"code": CodeInvalidParams, "message": "Tool not found"}
			}
		default:
			reply["error"] = map[string]any{"code": CodeMethodNotFound, "message": "Method not found"}
		}
		data, _ := json.Marshal(reply)
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func startClient(t *testing.T, srv *fakeServer) *RPCClient {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go srv.serve(serverR, serverW)

	client := NewRPCClient("fake", clientR, clientW, func() error {
		_ = clientW.Close()
		return serverW.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Initialize(ctx))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func schemaTool(name string) map[string]any {
	return map[string]any{
		"name":        name,
		"description": "tool " + name,
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}
}

func TestRPCClientHandshakeAndListTools(t *testing.T) {
	srv := &fakeServer{tools: []map[string]any{schemaTool("echo"), schemaTool("fail"), {"name": "bare"}}, pageSize: 2}
	client := startClient(t, srv)
	assert.Equal(t, "fake", client.ServerInfo().Name)

	defs, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, []string{"text"}, defs[0].InputSchema.Required)
	assert.Equal(t, "string", defs[0].InputSchema.Properties["text"].Type)
	assert.Equal(t, "object", defs[2].InputSchema.Type)
}

func TestRPCClientCall(t *testing.T) {
	client := startClient(t, &fakeServer{})
	ctx := context.Background()

	res, err := client.Call(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi\n[image: image/png]", res.Content)
	assert.False(t, res.IsError)

	res, err = client.Call(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "it broke", res.Content)

	_, err = client.Call(ctx, "nope", nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestRPCClientFailsPendingCallsWhenServerExits(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	client := NewRPCClient("dying", clientR, clientW, nil)

	// Read the request, then hang up without answering.
	go func() {
		_, _ = bufio.NewReader(serverR).ReadBytes('\n')
		_ = serverW.Close()
	}()

	_, err := client.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrClientClosed)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
	_, err = client.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRPCClientCallHonorsContext(t *testing.T) {
	clientR, _ := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverR) }()
	client := NewRPCClient("silent", clientR, clientW, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "echo", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildEnvExpandsReferences(t *testing.T) {
	t.Setenv("REFORGE_TEST_HOME", "/home/dev")
	env := buildEnv(map[string]string{
		"TOKEN": "${GITHUB_TOKEN}",
		"HOME2": "$REFORGE_TEST_HOME/x",
	}, map[string]string{"GITHUB_TOKEN": "secret"})
	assert.Contains(t, env, "TOKEN=secret")
	assert.Contains(t, env, "HOME2=/home/dev/x")
}

// fakeClient is an in-memory Client.
type fakeClient struct {
	defs    []tools.ToolDefinition
	listErr error
	callErr error
	closed  atomic.Bool
	mu      sync.Mutex
	calls   []string
}

func (c *fakeClient) ListTools(context.Context) ([]tools.ToolDefinition, error) {
	return c.defs, c.listErr
}

func (c *fakeClient) Call(_ context.Context, name string, _ map[string]any) (*tools.ExecResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	return &tools.ExecResult{Content: "ran " + name}, nil
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	clients  map[string]*fakeClient
	connects map[string]int
	fail     map[string]error
}

func (f *fakeConnector) Connect(_ context.Context, name string, _ ServerConfig, _ map[string]string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connects == nil {
		f.connects = make(map[string]int)
	}
	f.connects[name]++
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	return f.clients[name], nil
}

type allowAll struct{}

func (allowAll) Check(context.Context, string, policy.Operation) (policy.Permission, error) {
	return policy.Allow, nil
}

func def(name string) tools.ToolDefinition {
	return tools.ToolDefinition{Name: name, Description: name, InputSchema: tools.InputSchema{Type: "object"}}
}

func TestGatewayLazyConnectAndReuse(t *testing.T) {
	conn := &fakeConnector{clients: map[string]*fakeClient{
		"github": {defs: []tools.ToolDefinition{def("create_issue")}},
	}}
	gw := NewGateway(conn, map[string]ServerConfig{"github": {Command: "gh-mcp"}}, nil)
	assert.Empty(t, conn.connects)

	results := gw.ListTools(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	for i := 0; i < 3; i++ {
		res, err := gw.Call(context.Background(), "create_issue", nil)
		require.NoError(t, err)
		assert.Equal(t, "ran create_issue", res.Content)
	}
	assert.Equal(t, 1, conn.connects["github"])

	_, err := gw.Call(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	require.NoError(t, gw.Close())
	assert.True(t, conn.clients["github"].closed.Load())
}

func TestGatewayIsolatesFailingServers(t *testing.T) {
	conn := &fakeConnector{
		clients: map[string]*fakeClient{
			"a": {defs: []tools.ToolDefinition{def("shared"), def("only_a")}},
			"b": {defs: []tools.ToolDefinition{def("shared"), def("only_b")}},
		},
		fail: map[string]error{"c": errors.New("binary missing")},
	}
	gw := NewGateway(conn, map[string]ServerConfig{"a": {}, "b": {}, "c": {}}, nil)

	results := gw.ListTools(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].Server, results[1].Server, results[2].Server})
	assert.Error(t, results[2].Err)

	owner, ok := gw.ServerFor("shared")
	require.True(t, ok)
	assert.Equal(t, "a", owner)
	owner, _ = gw.ServerFor("only_b")
	assert.Equal(t, "b", owner)
}

func TestGatewayReconnectsAfterClosedClient(t *testing.T) {
	client := &fakeClient{defs: []tools.ToolDefinition{def("ping")}, callErr: ErrClientClosed}
	conn := &fakeConnector{clients: map[string]*fakeClient{"s": client}}
	gw := NewGateway(conn, map[string]ServerConfig{"s": {}}, nil)
	gw.ListTools(context.Background())

	_, err := gw.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrClientClosed)
	assert.True(t, client.closed.Load())

	client.callErr = nil
	_, err = gw.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.connects["s"])
}

func TestGatewayRegisterAndExecute(t *testing.T) {
	conn := &fakeConnector{clients: map[string]*fakeClient{
		"fs": {defs: []tools.ToolDefinition{def(tools.ToolReadFile), def("stat")}},
	}}
	gw := NewGateway(conn, map[string]ServerConfig{"fs": {}}, nil)

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))
	assert.Equal(t, 1, gw.Register(context.Background(), reg))
	assert.True(t, reg.Has("stat"))

	gate := allowAll{}
	exec := tools.NewExecutor(reg.NewProvider(tools.Env{}, nil), gate)
	var progress tools.Progress
	res, err := exec.Execute(context.Background(), tools.Call{ID: "c1", Name: "stat", Arguments: json.RawMessage(`{}`)},
		tools.ToolCallContext{Progress: func(p tools.Progress) { progress = p }})
	require.NoError(t, err)
	assert.Equal(t, "ran stat", res.Content)
	assert.Equal(t, "mcp fs", progress.Title)
	assert.Equal(t, "stat", progress.Subtitle)
}
