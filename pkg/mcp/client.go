// Package mcp connects to external Model Context Protocol servers and exposes
// their tools to the executor. Servers are spoken to with newline-delimited
// JSON-RPC 2.0.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// ErrClientClosed is returned for calls on a client whose connection has ended.
var ErrClientClosed = errors.New("mcp client closed")

// maxFrameBytes bounds a single JSON-RPC line.
const maxFrameBytes = 16 * 1024 * 1024

// Client is a connection to one MCP server.
type Client interface {
	ListTools(ctx context.Context) ([]tools.ToolDefinition, error)
	Call(ctx context.Context, name string, args map[string]any) (*tools.ExecResult, error)
	Close() error
}

// RPCClient speaks MCP over a pair of byte streams.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type RPCClient struct {
	name   string
	logger *logx.Logger

	wmu    sync.Mutex
	w      io.Writer
	closer func() error

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *message
	done    chan struct{}
	readErr error

	closeOnce sync.Once
	closeErr  error
	info      ServerInfo
}

// NewRPCClient starts reading responses from r. closer, when set, releases the
// underlying transport on Close.
func NewRPCClient(name string, r io.Reader, w io.Writer, closer func() error) *RPCClient {
	c := &RPCClient{
		name:    name,
		logger:  logx.NewLogger("mcp").With("server", name),
		w:       w,
		closer:  closer,
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Initialize performs the MCP handshake.
func (c *RPCClient) Initialize(ctx context.Context) error {
	var res initializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ServerInfo{Name: "reforge", Version: "1.0.0"},
	}, &res)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	c.info = res.ServerInfo
	c.logger.Debug("initialized %s %s (protocol %s)", res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)
	return c.notify("notifications/initialized", nil)
}

// ServerInfo returns what the server reported during Initialize.
func (c *RPCClient) ServerInfo() ServerInfo {
	return c.info
}

// ListTools returns every tool the server advertises, following pagination.
func (c *RPCClient) ListTools(ctx context.Context) ([]tools.ToolDefinition, error) {
	var (
		defs   []tools.ToolDefinition
		cursor string
	)
	for {
		var page listToolsResult
		if err := c.call(ctx, "tools/list", listToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", c.name, err)
		}
		for _, t := range page.Tools {
			schema, err := tools.ParseInputSchema(t.InputSchema)
			if err != nil {
				c.logger.Warn("skipping tool %s: bad input schema: %v", t.Name, err)
				continue
			}
			defs = append(defs, tools.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return defs, nil
		}
		cursor = page.NextCursor
	}
}

// Call invokes a tool. A result flagged isError by the server is returned as an
// error result, not a Go error.
func (c *RPCClient) Call(ctx context.Context, name string, args map[string]any) (*tools.ExecResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res callToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &tools.ExecResult{
		Content: renderContent(res.Content),
		IsError: res.IsError,
	}, nil
}

// Close ends the connection. Pending calls fail with ErrClientClosed.
func (c *RPCClient) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

// Done is closed when the read side of the connection ends.
func (c *RPCClient) Done() <-chan struct{} {
	return c.done
}

func (c *RPCClient) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return c.readErr
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		if msg == nil {
			return c.terminalErr()
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // callers wrap with the server name
	}
}

func (c *RPCClient) notify(method string, params any) error {
	return c.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *RPCClient) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return nil
}

func (c *RPCClient) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClientClosed
}

func (c *RPCClient) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var err error
	for {
		var line []byte
		line, err = readFrame(reader)
		if err != nil {
			break
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg message
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			c.logger.Debug("ignoring malformed frame: %v", jsonErr)
			continue
		}
		c.dispatch(&msg)
	}

	if errors.Is(err, io.EOF) {
		err = ErrClientClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *RPCClient) dispatch(msg *message) {
	if msg.Method != "" {
		c.handleServerRequest(msg)
		return
	}
	id, err := strconv.ParseInt(strings.Trim(string(msg.ID), `"`), 10, 64)
	if err != nil {
		c.logger.Debug("ignoring response with unknown id %s", string(msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// handleServerRequest answers the few requests a server may send a client.
func (c *RPCClient) handleServerRequest(msg *message) {
	if len(msg.ID) == 0 {
		return // notification
	}
	reply := response{JSONRPC: "2.0", ID: msg.ID}
	switch msg.Method {
	case "ping":
		reply.Result = map[string]any{}
	case "roots/list":
		reply.Result = map[string]any{"roots": []any{}}
	default:
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	}
	if err := c.write(reply); err != nil {
		c.logger.Debug("failed to answer %s: %v", msg.Method, err)
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err //nolint:wrapcheck // classified by readLoop
		}
		frame = append(frame, chunk...)
		if len(frame) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			return frame, nil
		}
	}
}

// renderContent flattens a tools/call result into the text sent to the model.
func renderContent(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "resource":
			if b.Resource != nil {
				if b.Resource.Text != "" {
					parts = append(parts, b.Resource.Text)
				} else {
					parts = append(parts, "[resource: "+b.Resource.URI+"]")
				}
			}
		default:
			label := b.Type
			if b.MimeType != "" {
				label += ": " + b.MimeType
			}
			parts = append(parts, "["+label+"]")
		}
	}
	return strings.Join(parts, "\n")
}
