// Package toolclient implements the per-connection Tool Server Client (the
// system specification's C4): discovery of callable tools across one or
// more external MCP servers, and invocation of a named tool with arguments.
//
// Grounded directly on the teacher's internal/mcp (Host interface) and
// internal/mcp/mcphost (concrete implementation using
// github.com/modelcontextprotocol/go-sdk/mcp). Unlike the teacher's
// process-wide Host, a toolclient.Client is owned by exactly one connection
// context (spec §9 Open Question i: no global tool-server client) and drops
// the teacher's latency-tier budget machinery, which is out of spec scope.
package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportHTTPS     Transport = "https"
	TransportWS        Transport = "ws"
	TransportWSS       Transport = "wss"
	TransportStdio     Transport = "stdio"
	TransportWebsocket Transport = "websocket"
)

// IsValid reports whether t is one of the transports the spec recognizes
// for a tool server entry ({http, websocket, stdio}).
func (t Transport) IsValid() bool {
	switch t {
	case TransportHTTP, TransportHTTPS, TransportWebsocket, TransportStdio:
		return true
	default:
		return false
	}
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	Name        string
	URL         string
	Transport   Transport
	Command     string
	Description string
	Headers     map[string]string
	Timeout     time.Duration
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	Content    string
	IsError    bool
	DurationMs int64
}

// Descriptor is a Tool Descriptor: a tool name (namespaced by server), a
// human description, and an input schema (spec §3).
type Descriptor struct {
	ServerName  string
	ToolName    string
	Key         string // "<server>_<tool>"
	Description string
	InputSchema map[string]any
}

// ToDefinition converts a Descriptor into the shared LLM tool-definition
// shape used to build prompts (pkg/types.ToolDefinition).
func (d Descriptor) ToDefinition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        d.Key,
		Description: d.Description,
		Parameters:  d.InputSchema,
	}
}

// Client is a per-connection client to one or more external tool servers.
// The zero value is not usable; construct with New.
//
// Safe for concurrent use: concurrent invocations never share mutable
// per-call state, and a hung server only blocks the goroutine awaiting its
// own response.
type Client struct {
	mu          sync.RWMutex
	tools       map[string]Descriptor // key: "<server>_<tool>"
	servers     map[string]serverConn
	defaultWait time.Duration

	sdkClient *mcpsdk.Client
}

type serverConn struct {
	cfg     ServerConfig
	session *mcpsdk.ClientSession // nil for connect-per-invocation (streamable-http) servers
}

// New creates an empty Client.
func New() *Client {
	return &Client{
		tools:       make(map[string]Descriptor),
		servers:     make(map[string]serverConn),
		defaultWait: 30 * time.Second,
		sdkClient: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "gateway-toolclient", Version: "1.0.0"},
			nil,
		),
	}
}

// Initialize connects to every server in cfgs. Per spec §4.4, any
// per-server initialization failure is logged by the caller and skipped;
// Initialize itself returns the first error only for caller visibility,
// continuing to attempt the remaining servers regardless.
func (c *Client) Initialize(ctx context.Context, cfgs []ServerConfig) error {
	var firstErr error
	for _, cfg := range cfgs {
		if err := c.registerServer(ctx, cfg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

// registerServer connects to one server and imports its tool catalogue.
//
// For streamable-HTTP servers the recommended "connect-per-invocation"
// strategy is used: discovery opens a scoped connection, lists tools, and
// closes; invocation later opens its own scoped connection (see Invoke).
// For stdio and websocket servers the session is retained and reused.
func (c *Client) registerServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolclient: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolclient: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.defaultWait
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, longLived, err := c.buildTransport(cfg)
	if err != nil {
		return err
	}

	session, err := c.sdkClient.Connect(initCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolclient: connect to server %q: %w", cfg.Name, err)
	}

	descriptors, err := listTools(initCtx, session, cfg.Name)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("toolclient: list tools for server %q: %w", cfg.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.servers[cfg.Name]; ok && old.session != nil {
		_ = old.session.Close()
	}
	for key, d := range c.tools {
		if d.ServerName == cfg.Name {
			delete(c.tools, key)
		}
	}

	conn := serverConn{cfg: cfg}
	if longLived {
		conn.session = session
	} else {
		_ = session.Close()
	}
	c.servers[cfg.Name] = conn

	for _, d := range descriptors {
		c.tools[d.Key] = d
	}
	return nil
}

// buildTransport constructs the mcpsdk.Transport for cfg and reports
// whether the resulting session should be kept alive across calls
// (true for stdio/websocket; false for streamable-HTTP, which uses
// connect-per-invocation).
func (c *Client) buildTransport(cfg ServerConfig) (mcpsdk.Transport, bool, error) {
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, false, fmt.Errorf("toolclient: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		return &mcpsdk.CommandTransport{Command: cmd}, true, nil

	case TransportHTTP, TransportHTTPS:
		if cfg.URL == "" {
			return nil, false, fmt.Errorf("toolclient: http server %q requires a non-empty URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClientWithHeaders(cfg.Headers)}, false, nil

	case TransportWS, TransportWSS, TransportWebsocket:
		if cfg.URL == "" {
			return nil, false, fmt.Errorf("toolclient: websocket server %q requires a non-empty URL", cfg.Name)
		}
		return newWebsocketTransport(cfg.URL, cfg.Headers), true, nil

	default:
		return nil, false, fmt.Errorf("toolclient: unsupported transport %q", cfg.Transport)
	}
}

// httpClientWithHeaders returns an *http.Client that injects headers on
// every request, used for streamable-HTTP tool servers that require
// static credentials.
func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers, base: http.DefaultTransport}}
}

type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}

// listTools discovers tools from an already-connected session and converts
// them into Descriptors keyed "<server>_<tool>".
func listTools(ctx context.Context, session *mcpsdk.ClientSession, serverName string) ([]Descriptor, error) {
	var out []Descriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, Descriptor{
			ServerName:  serverName,
			ToolName:    tool.Name,
			Key:         serverName + "_" + tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return out, nil
}

// ListTools returns all discovered tool descriptors.
func (c *Client) ListTools() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	return out
}

// Invoke dispatches to the owning server, awaits a terminal tool response,
// and returns its text content or an error. ctx should already carry the
// caller's invocation timeout (spec default 20s); Invoke does not impose
// its own.
func (c *Client) Invoke(ctx context.Context, key string, args string) (*ToolResult, error) {
	c.mu.RLock()
	descriptor, ok := c.tools[key]
	if !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("toolclient: tool %q not found", key)
	}
	conn := c.servers[descriptor.ServerName]
	c.mu.RUnlock()

	start := time.Now()

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("toolclient: invalid args JSON for tool %q: %w", key, err)
		}
	}

	var result *ToolResult
	var err error
	if conn.session != nil {
		result, err = callTool(ctx, conn.session, descriptor.ToolName, argsMap)
	} else {
		result, err = c.callPerInvocation(ctx, conn.cfg, descriptor.ToolName, argsMap)
	}
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observe.DefaultMetrics().RecordToolCall(ctx, descriptor.ToolName, status)
	observe.DefaultMetrics().ToolCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(observe.Attr("tool", descriptor.ToolName)))
	if err != nil {
		return nil, err
	}
	result.DurationMs = elapsed.Milliseconds()
	return result, nil
}

// callPerInvocation opens a fresh connect scope for a streamable-HTTP
// server, initializes, calls the tool, and closes — bounding the whole
// round trip by ctx (spec §4.4's recommended "connect-per-invocation").
func (c *Client) callPerInvocation(ctx context.Context, cfg ServerConfig, toolName string, args map[string]any) (*ToolResult, error) {
	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClientWithHeaders(cfg.Headers)}
	session, err := c.sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolclient: connect for invocation on %q: %w", cfg.Name, err)
	}
	defer session.Close()

	return callTool(ctx, session, toolName, args)
}

func callTool(ctx context.Context, session *mcpsdk.ClientSession, toolName string, args map[string]any) (*ToolResult, error) {
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("toolclient: call to tool %q failed: %w", toolName, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

// Close closes every server session. Connect-per-invocation servers have
// no persistent session to close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, conn := range c.servers {
		if conn.session == nil {
			continue
		}
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolclient: close server %q: %w", name, err)
		}
	}
	c.servers = make(map[string]serverConn)
	c.tools = make(map[string]Descriptor)
	return firstErr
}

func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// newWebsocketTransport builds an mcpsdk.Transport backed by
// github.com/coder/websocket for MCP servers that speak the protocol over a
// raw WebSocket connection rather than streamable-HTTP or stdio.
func newWebsocketTransport(url string, headers map[string]string) mcpsdk.Transport {
	return &websocketTransport{url: url, headers: headers}
}

// websocketTransport dials a WebSocket connection on Connect and hands the
// resulting net.Conn-shaped stream to the MCP SDK's JSON-RPC framing, the
// same way mcpsdk.CommandTransport hands it a subprocess's stdio pipes.
type websocketTransport struct {
	url     string
	headers map[string]string
}

// Connect implements mcpsdk.Transport.
func (t *websocketTransport) Connect(ctx context.Context) (mcpsdk.Connection, error) {
	opts := &websocket.DialOptions{}
	if len(t.headers) > 0 {
		h := http.Header{}
		for k, v := range t.headers {
			h.Set(k, v)
		}
		opts.HTTPHeader = h
	}
	conn, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return nil, fmt.Errorf("toolclient: dial websocket %q: %w", t.url, err)
	}
	return mcpsdk.NewIOConnection(websocket.NetConn(ctx, conn, websocket.MessageText)), nil
}
