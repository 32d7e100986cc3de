// Package connection implements the Connection Registry and state machine
// (the system specification's C2): one context per live control channel,
// owning that tenant's external service handles, queues, worker handle, and
// conversation history.
//
// Grounded on original_source/backend/app/connection_manager.py's
// ConnectionManager/ConnectionContext (state sequence, progress percentages,
// teardown ordering) and the teacher's mutex-guarded-registry idiom from
// internal/session/reconnect.go.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// State is one state of the connection lifecycle (spec §4.2).
type State string

const (
	StateConnecting     State = "connecting"
	StateConfigReceived State = "config_received"
	StateValidating     State = "validating"
	StateMCPInit        State = "mcp_initializing"
	StateVizInit        State = "viz_initializing"
	StateReady          State = "ready"
	StateActive         State = "active"
	StateError          State = "error"
	StateDisconnecting  State = "disconnecting"
	StateClosed         State = "closed"
)

// legalTransitions enumerates the forward edges of the state graph. "error"
// and "disconnecting" are reachable from any state and are handled outside
// this table.
var legalTransitions = map[State]State{
	StateConnecting:     StateConfigReceived,
	StateConfigReceived: StateValidating,
	StateValidating:     StateMCPInit,
	StateMCPInit:        StateVizInit,
	StateVizInit:        StateReady,
	StateReady:          StateActive,
	StateDisconnecting:  StateClosed,
}

// IsLegal reports whether from → to is an edge of the state graph.
func IsLegal(from, to State) bool {
	if to == StateError || to == StateDisconnecting {
		return true
	}
	return legalTransitions[from] == to
}

// Source distinguishes where an assistant-turn record originated.
type Source string

const (
	SourceMedia Source = "media"
	SourceText  Source = "text"
)

// AssistantTurn is the unit traversing a connection's input queue.
// Immutable once enqueued.
type AssistantTurn struct {
	Text      string
	History   []types.Message
	Source    Source
	ThreadID  string
	MessageID string
}

// Metrics holds the counters surfaced per connection.
type Metrics struct {
	mu              sync.Mutex
	ToolCalls       int64
	ToolErrors      int64
	EnhancementErrs int64
	QueueFullDrops  int64
}

func (m *Metrics) IncToolCalls()       { m.mu.Lock(); m.ToolCalls++; m.mu.Unlock() }
func (m *Metrics) IncToolErrors()      { m.mu.Lock(); m.ToolErrors++; m.mu.Unlock() }
func (m *Metrics) IncEnhancementErrs() { m.mu.Lock(); m.EnhancementErrs++; m.mu.Unlock() }
func (m *Metrics) IncQueueFullDrops()  { m.mu.Lock(); m.QueueFullDrops++; m.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{ToolCalls: m.ToolCalls, ToolErrors: m.ToolErrors, EnhancementErrs: m.EnhancementErrs, QueueFullDrops: m.QueueFullDrops}
}

// UIProvider is the minimal lifecycle surface the registry needs from a
// per-connection UI generator; the concrete streaming contract lives in
// package uiprovider. Kept narrow here to avoid a dependency cycle.
type UIProvider interface {
	Cleanup(ctx context.Context) error
}

// DefaultQueueCapacity is the default input/output queue size (spec §5).
const DefaultQueueCapacity = 100

// DefaultIdleTTL is the idle duration after which Sweep evicts a connection.
const DefaultIdleTTL = time.Hour

// DefaultTeardownWait bounds how long Teardown waits for the worker to exit.
const DefaultTeardownWait = 5 * time.Second

// Context is the per-control-channel state the registry owns exclusively;
// tasks hold a reference but never outlive it.
type Context struct {
	ID string

	mu           sync.Mutex
	state        State
	config       *proto.ConnectionConfig
	mediaThread  string
	mediaHandle  any // opaque handle into the media pipeline, set by C9
	createdAt    time.Time
	lastActivity time.Time

	ToolClient *toolclient.Client
	UIProvider UIProvider

	Input  chan AssistantTurn
	Output chan proto.Frame

	WorkerCancel context.CancelFunc
	workerDone   chan struct{}

	// Send writes a frame directly to the control channel, bypassing Output.
	// Bound by the control-channel handler before the handshake begins; used
	// by Transition to publish connection_state frames during the
	// synchronous setup phase, before the sender task is running.
	Send func(proto.Frame) error

	historiesMu sync.Mutex
	histories   map[string][]types.Message

	Metrics Metrics

	logger *slog.Logger
}

// newContext constructs a fresh Context in StateConnecting.
func newContext(id string, logger *slog.Logger) *Context {
	now := time.Now()
	return &Context{
		ID:           id,
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
		Input:        make(chan AssistantTurn, DefaultQueueCapacity),
		Output:       make(chan proto.Frame, DefaultQueueCapacity),
		workerDone:   make(chan struct{}),
		histories:    make(map[string][]types.Message),
		logger:       logger,
	}
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the decoded configuration, or nil before it is set.
func (c *Context) Config() *proto.ConnectionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetConfig stores the decoded configuration frame.
func (c *Context) SetConfig(cfg *proto.ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}

// MediaThreadID returns the thread id bound by the media channel, if any.
func (c *Context) MediaThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaThread
}

// BindMedia attaches a media-pipeline handle and thread id (C9 linkage).
func (c *Context) BindMedia(handle any, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaHandle = handle
	c.mediaThread = threadID
}

// UnbindMedia clears the media-pipeline linkage.
func (c *Context) UnbindMedia() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaHandle = nil
	c.mediaThread = ""
}

// MediaHandle returns the opaque media-pipeline handle, or nil if unbound.
func (c *Context) MediaHandle() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaHandle
}

// touch refreshes last-activity.
func (c *Context) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// History returns a snapshot of the conversation history for threadID.
func (c *Context) History(threadID string) []types.Message {
	c.historiesMu.Lock()
	defer c.historiesMu.Unlock()
	h := c.histories[threadID]
	out := make([]types.Message, len(h))
	copy(out, h)
	return out
}

// AppendHistory appends msg to threadID's conversation history.
func (c *Context) AppendHistory(threadID string, msg types.Message) {
	c.historiesMu.Lock()
	defer c.historiesMu.Unlock()
	c.histories[threadID] = append(c.histories[threadID], msg)
}

// Registry owns every live Context, keyed by connection id.
//
// A single process-wide mutex guards the map; per-Context mutable fields are
// guarded by the Context's own mutex so registry-wide operations (Sweep,
// Len) never contend with a single connection's hot path.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Context

	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{conns: make(map[string]*Context), logger: logger}
}

// Register creates and stores a new Context for a freshly accepted control
// channel, starting in StateConnecting.
func (r *Registry) Register(id string) *Context {
	ctx := newContext(id, r.logger)

	r.mu.Lock()
	r.conns[id] = ctx
	r.mu.Unlock()

	observe.DefaultMetrics().ActiveConnections.Add(context.Background(), 1)
	return ctx
}

// Get returns the Context for id, or nil if unknown.
func (r *Registry) Get(id string) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Remove deletes id from the registry without tearing it down; callers use
// this after Teardown has already run the cleanup steps.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if existed {
		observe.DefaultMetrics().ActiveConnections.Add(context.Background(), -1)
	}
}

// Len returns the number of live connections. Test/metrics helper.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Transition moves ctx from its current state to next, publishing a
// connection_state frame. A transition to a terminal state (error,
// disconnecting) from a send failure is clamped: if ctx is already in that
// terminal state, Transition is a no-op, preventing oscillation with the
// same root cause.
func (r *Registry) Transition(ctx *Context, next State, message string, progress *int) error {
	ctx.mu.Lock()
	current := ctx.state
	if current == next && (next == StateError || next == StateDisconnecting) {
		ctx.mu.Unlock()
		return nil
	}
	if !IsLegal(current, next) {
		ctx.mu.Unlock()
		return fmt.Errorf("connection %s: illegal transition %s -> %s", ctx.ID, current, next)
	}
	ctx.state = next
	ctx.lastActivity = time.Now()
	send := ctx.Send
	ctx.mu.Unlock()

	frame := proto.Frame{
		Kind:         proto.KindConnectionState,
		State:        string(next),
		Message:      message,
		Progress:     progress,
		ConnectionID: ctx.ID,
	}
	frame.Stamp(time.Now())

	r.logger.Info("connection state transition", "connection_id", ctx.ID, "from", current, "to", next, "message", message)

	if send == nil {
		return nil
	}
	if err := send(frame); err != nil {
		r.logger.Error("connection state send failed", "connection_id", ctx.ID, "error", err)
		if next != StateError {
			return r.Transition(ctx, StateError, fmt.Sprintf("communication error: %v", err), nil)
		}
		return err
	}
	return nil
}

func progressPtr(p int) *int { return &p }

// connectedServerCount counts the distinct tool servers behind a client's
// discovered descriptors.
func connectedServerCount(c *toolclient.Client) int {
	seen := make(map[string]bool)
	for _, d := range c.ListTools() {
		seen[d.ServerName] = true
	}
	return len(seen)
}

// RunConfiguration executes the config_received → active pipeline described
// in spec §4.2, invoking the supplied initialization callbacks at each step.
// Every step publishes the exact progress percentage the reference
// implementation uses (25/50/75/100).
func (r *Registry) RunConfiguration(
	ctx context.Context,
	cc *Context,
	cfg *proto.ConnectionConfig,
	initTools func(context.Context, *proto.ConnectionConfig) (*toolclient.Client, error),
	initUI func(context.Context, *proto.ConnectionConfig) (UIProvider, error),
	startWorker func(*Context),
) error {
	cc.SetConfig(cfg)

	if err := r.Transition(cc, StateConfigReceived, "Configuration received, validating...", nil); err != nil {
		return err
	}

	if err := Validate(cfg); err != nil {
		_ = r.Transition(cc, StateError, fmt.Sprintf("Configuration validation failed: %v", err), nil)
		return err
	}

	if err := r.Transition(cc, StateValidating, "Configuration validated, initializing tool-server client...", progressPtr(25)); err != nil {
		return err
	}

	toolClient, err := initTools(ctx, cfg)
	if err != nil {
		_ = r.Transition(cc, StateError, fmt.Sprintf("Tool-server initialization failed: %v", err), nil)
		return err
	}
	cc.ToolClient = toolClient

	if err := r.Transition(cc, StateMCPInit,
		fmt.Sprintf("Tool-server client ready with %d servers, setting up visualization...", connectedServerCount(toolClient)),
		progressPtr(50)); err != nil {
		return err
	}

	uiProvider, err := initUI(ctx, cfg)
	if err != nil {
		_ = r.Transition(cc, StateError, fmt.Sprintf("Visualization setup failed: %v", err), nil)
		return err
	}
	cc.UIProvider = uiProvider

	if err := r.Transition(cc, StateVizInit,
		fmt.Sprintf("Visualization provider (%s) ready, finalizing setup...", cfg.VisualizationProvider.ProviderType),
		progressPtr(75)); err != nil {
		return err
	}

	if err := r.Transition(cc, StateReady, "Connection ready for chat!", progressPtr(100)); err != nil {
		return err
	}

	startWorker(cc)

	return r.Transition(cc, StateActive, "Connection active and processing messages", nil)
}

// Teardown runs the ordered, best-effort cleanup sequence from spec §4.2.
// Every step logs and continues on failure; Teardown never returns early.
func (r *Registry) Teardown(ctx context.Context, cc *Context, unsubscribeBus func(connID string)) {
	_ = r.Transition(cc, StateDisconnecting, "Cleaning up connection...", nil)

	if cc.WorkerCancel != nil {
		cc.WorkerCancel()
		select {
		case <-cc.workerDone:
		case <-time.After(DefaultTeardownWait):
			r.logger.Warn("connection teardown: worker did not exit in time", "connection_id", cc.ID)
		}
	}

	if unsubscribeBus != nil {
		unsubscribeBus(cc.ID)
	}
	cc.UnbindMedia()

	if cc.ToolClient != nil {
		if err := cc.ToolClient.Close(); err != nil {
			r.logger.Error("connection teardown: tool client close failed", "connection_id", cc.ID, "error", err)
		}
	}

	if cc.UIProvider != nil {
		if err := cc.UIProvider.Cleanup(ctx); err != nil {
			r.logger.Error("connection teardown: ui provider cleanup failed", "connection_id", cc.ID, "error", err)
		}
	}

	drainInput(cc.Input)
	drainOutput(cc.Output)

	r.Remove(cc.ID)
	_ = r.Transition(cc, StateClosed, "Connection closed", nil)
}

// MarkWorkerDone signals that the worker goroutine has exited, unblocking
// Teardown's wait.
func (c *Context) MarkWorkerDone() {
	close(c.workerDone)
}

func drainInput(ch chan AssistantTurn) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainOutput(ch chan proto.Frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Sweep reports the ids of connections idle beyond ttl (default
// DefaultIdleTTL) without removing them; the caller runs Teardown on each.
func (r *Registry) Sweep(ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, cc := range r.conns {
		cc.mu.Lock()
		idle := now.Sub(cc.lastActivity) > ttl
		cc.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	return stale
}

var forbiddenHosts = map[string]bool{
	"localhost":       true,
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"169.254.169.254": true,
	"::1":             true,
}

// validURLSchemes gates validateServerURL's SSRF check, covering every
// scheme a tool-server URL can carry on the wire.
var validURLSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true, "stdio": true}

// validTransportFields gates the config-level transport field, matching
// toolclient.Transport.IsValid's {http, https, websocket, stdio} set — the
// transport name, not the URL scheme it resolves to.
var validTransportFields = map[string]bool{"http": true, "https": true, "websocket": true, "stdio": true}

var validProviderKinds = map[string]bool{
	"thesys": true, "google": true, "tomorrow": true, "openai": true, "anthropic": true,
}

var validUIFrameworks = map[string]bool{
	"": true, "tailwind": true, "shadcn": true, "chakra": true, "mui": true, "bootstrap": true, "inline": true,
}

// Validate applies the spec §4.2 configuration validation rules.
func Validate(cfg *proto.ConnectionConfig) error {
	if cfg.ClientID == "" || len(cfg.ClientID) > proto.MaxClientIDLen {
		return fmt.Errorf("client_id must be 1-%d characters", proto.MaxClientIDLen)
	}

	if cfg.MCP.MaxServers > 0 && len(cfg.MCP.Servers) > cfg.MCP.MaxServers {
		return fmt.Errorf("too many tool servers: %d exceeds max_servers %d", len(cfg.MCP.Servers), cfg.MCP.MaxServers)
	}

	seenNames := make(map[string]bool, len(cfg.MCP.Servers))
	for _, srv := range cfg.MCP.Servers {
		if seenNames[srv.Name] {
			return fmt.Errorf("duplicate tool server name %q", srv.Name)
		}
		seenNames[srv.Name] = true

		if !validTransportFields[srv.Transport] {
			return fmt.Errorf("tool server %q: unsupported transport %q", srv.Name, srv.Transport)
		}
		if srv.Transport != "stdio" {
			if err := validateServerURL(srv.URL); err != nil {
				return fmt.Errorf("tool server %q: %w", srv.Name, err)
			}
		}
	}

	if !validProviderKinds[cfg.VisualizationProvider.ProviderType] {
		return fmt.Errorf("unknown visualization provider_type %q", cfg.VisualizationProvider.ProviderType)
	}
	if !validUIFrameworks[cfg.Preferences.UIFramework] {
		return fmt.Errorf("unknown ui_framework %q", cfg.Preferences.UIFramework)
	}

	if cfg.VisualizationProvider.APIKeyEnv != "" {
		if v := os.Getenv(cfg.VisualizationProvider.APIKeyEnv); v == "" {
			return fmt.Errorf("visualization provider api_key_env %q resolves to an empty value", cfg.VisualizationProvider.APIKeyEnv)
		}
	}
	if cfg.MCP.APIKeyEnv != "" {
		if v := os.Getenv(cfg.MCP.APIKeyEnv); v == "" {
			return fmt.Errorf("mcp api_key_env %q resolves to an empty value", cfg.MCP.APIKeyEnv)
		}
	}

	return nil
}

// validateServerURL rejects localhost, link-local metadata endpoints, and
// common RFC1918 prefixes, matching original_source's _validate_mcp_server_url
// SSRF guard.
func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !validURLSchemes[scheme] {
		return fmt.Errorf("unsupported URL scheme %q", scheme)
	}

	host := u.Hostname()
	if forbiddenHosts[host] {
		return fmt.Errorf("forbidden host %q", host)
	}
	if strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "172.") || strings.HasPrefix(host, "192.168.") {
		return fmt.Errorf("forbidden private-network host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return fmt.Errorf("forbidden loopback host %q", host)
	}
	return nil
}
