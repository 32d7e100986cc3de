// Package control implements the Control-Channel Handler (the system
// specification's C8): WebSocket upgrade, the connection_established /
// configuration handshake, and the per-connection task group that drains
// chat and user_interaction frames from the client while bridging the
// fan-out bus into the connection's outgoing frame queue.
//
// Grounded on original_source/backend/app/routes/chat.py's per-connection
// WebSocket endpoint (accept, handshake, the run_receiver/run_voice_bridge
// task pair) and pkg/audio/webrtc/signaling.go's net/http handler shape.
// The task group is modelled on internal/hotctx/assembler.go's
// errgroup.WithContext usage, adapted per the doc comment on runTaskGroup.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphoxa/internal/gateway/bus"
	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/decider"
	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/session"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider"
	"github.com/MrWong99/glyphoxa/internal/gateway/worker"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// HandshakeTimeout bounds how long a newly accepted connection has to send
// its configuration frame before the gateway gives up (spec §4.8).
const HandshakeTimeout = 30 * time.Second

// InteractionDedupWindow is the duplicate-suppression window applied to
// user_interaction frames (spec §8).
const InteractionDedupWindow = 5 * time.Second

// directSendTimeout bounds cc.Send's synchronous write, used only before
// the sender task is running (connection_established, handshake errors).
const directSendTimeout = 5 * time.Second

// Handler accepts and drives control-channel connections over WebSocket.
type Handler struct {
	Conns    *connection.Registry
	Sessions *session.Registry
	Bus      *bus.Bus
	Backend  llm.Provider // tool-aware chat LLM driving the plain chat path
	Logger   *slog.Logger

	// AcceptOptions overrides the default websocket.AcceptOptions (for
	// example to set OriginPatterns for a cross-origin frontend). Nil uses
	// the library's zero value.
	AcceptOptions *websocket.AcceptOptions
}

// New constructs a Handler. backend is the LLM used for ordinary chat
// turns and by each connection's enhancement decider.
func New(conns *connection.Registry, sessions *session.Registry, b *bus.Bus, backend llm.Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Conns: conns, Sessions: sessions, Bus: b, Backend: backend, Logger: logger}
}

// ServeHTTP upgrades the request to a control-channel WebSocket and blocks
// for the connection's entire lifetime, tearing it down before returning.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := h.AcceptOptions
	if opts == nil {
		opts = &websocket.AcceptOptions{}
	}
	handshakeStart := time.Now()
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.Logger.Error("control: websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	cc := h.Conns.Register(connID)
	cc.Send = directSender(conn)

	// The configuration frame schema (spec §6) carries no session identity;
	// a session is instead named by an optional query parameter on the
	// upgrade request itself, bound to C1 once accepted.
	sessionID := r.URL.Query().Get("session_id")

	established := proto.Frame{Kind: proto.KindConnectionEstablished, Message: "Connected", ConnectionID: connID}
	established.Stamp(time.Now())
	if err := cc.Send(established); err != nil {
		h.Logger.Warn("control: failed to send connection_established", "connection_id", connID, "error", err)
		h.Conns.Teardown(context.Background(), cc, h.Bus.Unsubscribe)
		conn.CloseNow()
		return
	}

	cfg, ok := h.awaitConfiguration(r.Context(), conn, cc)
	if !ok {
		h.Conns.Teardown(context.Background(), cc, h.Bus.Unsubscribe)
		conn.Close(websocket.StatusPolicyViolation, "configuration handshake failed")
		return
	}

	if sessionID != "" {
		h.Sessions.BindControl(sessionID, connID, cfg.Preferences.UIFramework)
	}

	if err := h.configure(r.Context(), cc, cfg, sessionID); err != nil {
		h.Logger.Error("control: configuration failed", "connection_id", connID, "error", err)
		if sessionID != "" {
			h.Sessions.UnbindControl(connID)
		}
		h.Conns.Teardown(context.Background(), cc, h.Bus.Unsubscribe)
		conn.Close(websocket.StatusPolicyViolation, "configuration failed")
		return
	}

	observe.DefaultMetrics().ControlHandshakeDuration.Record(r.Context(), time.Since(handshakeStart).Seconds())

	h.runTaskGroup(r.Context(), conn, cc)

	if sessionID != "" {
		h.Sessions.UnbindControl(connID)
	}
	h.Conns.Teardown(context.Background(), cc, h.Bus.Unsubscribe)
	conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// directSender builds the cc.Send callback the registry uses to publish
// connection_state and protocol-error frames before the sender task is
// running: a direct, synchronous write to the wire.
func directSender(conn *websocket.Conn) func(proto.Frame) error {
	return func(frame proto.Frame) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), directSendTimeout)
		defer cancel()
		return conn.Write(ctx, websocket.MessageText, data)
	}
}

// awaitConfiguration waits up to HandshakeTimeout for the client's first
// frame, requiring it to be a well-formed connection_config message. Any
// failure sends a structured protocol error frame (spec §7's taxonomy:
// config_timeout / invalid_config_format), never a rendered response.
func (h *Handler) awaitConfiguration(ctx context.Context, conn *websocket.Conn, cc *connection.Context) (*proto.ConnectionConfig, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		h.sendProtocolError(cc, "config_timeout", "timed out waiting for configuration")
		return nil, false
	}

	msg, err := proto.UnmarshalClientMessage(data)
	if err != nil || msg.Kind != proto.ClientKindConnectionConfig || msg.Config == nil {
		h.sendProtocolError(cc, "invalid_config_format", "first frame must be a connection_config message")
		return nil, false
	}

	return msg.Config, true
}

func (h *Handler) sendProtocolError(cc *connection.Context, code, message string) {
	frame := proto.Frame{Kind: proto.KindError, ErrorCode: code, Message: message, ConnectionID: cc.ID}
	frame.Stamp(time.Now())
	if err := cc.Send(frame); err != nil {
		h.Logger.Warn("control: failed to deliver protocol error frame", "connection_id", cc.ID, "error", err)
	}
}

// configure drives C2's config_received → active pipeline, wiring the
// tool-server client, UI provider, and per-connection worker. sessionID, if
// non-empty, is the C1 session this control channel is bound to; the
// spawned worker re-resolves its emission target through that session on
// every frame so a later reconnect under the same session id redirects
// frames to the new connection (spec §8 scenario 6).
func (h *Handler) configure(ctx context.Context, cc *connection.Context, cfg *proto.ConnectionConfig, sessionID string) error {
	var uiProvider uiprovider.Provider

	initTools := func(ictx context.Context, cfg *proto.ConnectionConfig) (*toolclient.Client, error) {
		tc := toolclient.New()
		if err := tc.Initialize(ictx, convertServers(cfg.MCP.Servers)); err != nil {
			h.Logger.Warn("control: tool-server initialization incomplete", "connection_id", cc.ID, "error", err)
		}
		return tc, nil
	}

	initUI := func(ictx context.Context, cfg *proto.ConnectionConfig) (connection.UIProvider, error) {
		p, err := uiprovider.New(cfg.VisualizationProvider)
		if err != nil {
			return nil, err
		}
		if err := p.Initialize(ictx); err != nil {
			return nil, err
		}
		uiProvider = p
		return p, nil
	}

	startWorker := func(cc *connection.Context) {
		wctx, cancel := context.WithCancel(context.Background())
		cc.WorkerCancel = cancel
		d := decider.New(h.Backend, cc.ToolClient, cc.Metrics.IncToolCalls)
		w := worker.New(cc, d, uiProvider, h.Bus, h.Logger)
		if sessionID != "" {
			w.BindSession(h.Sessions, h.Conns, sessionID)
		}
		go w.Run(wctx)
	}

	return h.Conns.RunConfiguration(ctx, cc, cfg, initTools, initUI, startWorker)
}

// convertServers adapts a configuration frame's mcp_config.servers entries
// to C4's ServerConfig. The wire schema has no separate launch-command
// field, so a stdio entry's url doubles as the command, matching how the
// reference implementation's MCP server config treats a stdio target.
func convertServers(servers []proto.MCPServerConfig) []toolclient.ServerConfig {
	out := make([]toolclient.ServerConfig, 0, len(servers))
	for _, s := range servers {
		sc := toolclient.ServerConfig{
			Name:        s.Name,
			URL:         s.URL,
			Transport:   toolclient.Transport(s.Transport),
			Description: s.Description,
			Headers:     s.Headers,
			Timeout:     time.Duration(s.TimeoutSec) * time.Second,
		}
		if sc.Transport == toolclient.TransportStdio {
			sc.Command = s.URL
		}
		out = append(out, sc)
	}
	return out
}

// runTaskGroup drives the three concurrent tasks of an active connection
// (spec §4.8): sender drains cc.Output to the wire, receiver decodes
// client frames and dispatches them, bus-bridge forwards broadcast frames
// from C3 into cc.Output. When any task returns, the shared context is
// cancelled so the others unwind, then Wait blocks until all three exit.
//
// Grounded on internal/hotctx/assembler.go's errgroup.WithContext idiom,
// adapted: a plain context.WithCancel paired with a bare errgroup.Group is
// used instead of errgroup.WithContext, because errgroup's own derived
// context only cancels on a non-nil error, whereas spec §4.8 requires
// cancelling siblings the moment any one task returns, clean or not.
func (h *Handler) runTaskGroup(ctx context.Context, conn *websocket.Conn, cc *connection.Context) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		defer cancel()
		return h.senderLoop(groupCtx, conn, cc)
	})
	eg.Go(func() error {
		defer cancel()
		return h.receiverLoop(groupCtx, conn, cc)
	})
	eg.Go(func() error {
		defer cancel()
		return h.busBridgeLoop(groupCtx, cc)
	})

	if err := eg.Wait(); err != nil {
		h.Logger.Info("control: connection task group exited", "connection_id", cc.ID, "error", err)
	}
}

// senderLoop drains cc.Output and writes each frame to the wire.
func (h *Handler) senderLoop(ctx context.Context, conn *websocket.Conn, cc *connection.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-cc.Output:
			if !ok {
				return nil
			}
			data, err := json.Marshal(frame)
			if err != nil {
				h.Logger.Error("control: frame marshal failed", "connection_id", cc.ID, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("control: send failed: %w", err)
			}
		}
	}
}

// receiverLoop reads and dispatches client frames: chat turns reach the
// tool-aware LLM via chatWithTools, user_interaction frames are normalized
// and deduplicated, thesys_bridge and unknown kinds are logged and
// dropped.
func (h *Handler) receiverLoop(ctx context.Context, conn *websocket.Conn, cc *connection.Context) error {
	dedup := newInteractionDedup(InteractionDedupWindow)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("control: receive failed: %w", err)
		}

		msg, err := proto.UnmarshalClientMessage(data)
		if err != nil {
			h.Logger.Warn("control: dropping malformed client frame", "connection_id", cc.ID, "error", err)
			continue
		}

		switch msg.Kind {
		case proto.ClientKindChat, proto.ClientKindChatRequest:
			h.handleChat(ctx, cc, msg.Message, msg.ThreadID, msg.MessageID, connection.SourceText)
		case proto.ClientKindUserInteraction:
			h.handleInteraction(ctx, cc, msg.Interaction, dedup)
		case proto.ClientKindThesysBridge:
			h.Logger.Debug("control: thesys_bridge frame received, no re-entry handler bound", "connection_id", cc.ID)
		default:
			h.Logger.Warn("control: ignoring unknown client frame kind", "connection_id", cc.ID, "kind", msg.Kind)
		}
	}
}

// handleChat runs a plain chat turn and enqueues its answer for history
// bookkeeping before dispatch.
func (h *Handler) handleChat(ctx context.Context, cc *connection.Context, message, threadID, messageID string, source connection.Source) {
	if message == "" {
		return
	}
	history := cc.History(threadID)
	cc.AppendHistory(threadID, types.Message{Role: "user", Content: message})
	h.runChatTurn(ctx, cc, message, history, threadID, messageID, source)
}

// handleInteraction normalizes a user_interaction frame into chat-shaped
// content, applying the duplicate-suppression window before displaying or
// acting on it (spec §4.8, §8).
func (h *Handler) handleInteraction(ctx context.Context, cc *connection.Context, in *proto.UserInteraction, dedup *interactionDedup) {
	if in == nil {
		return
	}
	if !dedup.allow(in, time.Now()) {
		h.Logger.Info("control: duplicate user_interaction suppressed", "connection_id", cc.ID, "kind", in.Kind)
		return
	}

	norm := normalizeInteraction(in)
	history := cc.History(in.ThreadID)
	cc.AppendHistory(in.ThreadID, types.Message{Role: "user", Content: norm.Display})

	if norm.AIContext == "" {
		return
	}
	h.runChatTurn(ctx, cc, norm.AIContext, history, in.ThreadID, "", connection.SourceText)
}

// runChatTurn issues the tool-aware completion and enqueues the resulting
// assistant-turn record for the worker (C7), which independently decides
// whether to enhance it. Enqueuing blocks (spec §5: "network-to-input is
// blocking with backpressure"); ctx cancellation during teardown is the
// only escape.
func (h *Handler) runChatTurn(ctx context.Context, cc *connection.Context, message string, history []types.Message, threadID, messageID string, source connection.Source) {
	answer, err := chatWithTools(ctx, h.Backend, cc.ToolClient, &cc.Metrics, message, history)
	if err != nil {
		h.Logger.Error("control: chat turn failed", "connection_id", cc.ID, "error", err)
		return
	}
	cc.AppendHistory(threadID, types.Message{Role: "assistant", Content: answer})

	turn := connection.AssistantTurn{
		Text:      answer,
		History:   history,
		Source:    source,
		ThreadID:  threadID,
		MessageID: messageID,
	}
	select {
	case cc.Input <- turn:
	case <-ctx.Done():
	}
}

// busBridgeLoop subscribes to the fan-out bus (C3) under the connection's
// current media-thread id and forwards broadcast frames into cc.Output,
// non-blocking so a slow client can never stall delivery to the bus's
// other subscribers (spec §5: "bus-to-output is non-blocking drop-on-full
// with a metric"). The subscription's thread id is periodically resynced
// since a media channel can bind or rebind a thread after this loop starts.
func (h *Handler) busBridgeLoop(ctx context.Context, cc *connection.Context) error {
	lastThread := cc.MediaThreadID()
	frames := h.Bus.Subscribe(cc.ID, lastThread, connection.DefaultQueueCapacity)
	defer h.Bus.Unsubscribe(cc.ID)

	resync := time.NewTicker(time.Second)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resync.C:
			if current := cc.MediaThreadID(); current != lastThread {
				h.Bus.UpdateThreadID(cc.ID, current)
				lastThread = current
			}
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			select {
			case cc.Output <- frame:
			default:
				cc.Metrics.IncQueueFullDrops()
				h.Logger.Warn("control: dropped bus frame, output queue full", "connection_id", cc.ID)
			}
		}
	}
}
