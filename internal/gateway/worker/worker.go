// Package worker implements the Per-Connection Worker (the system
// specification's C7): one goroutine per active connection that drains the
// connection's input queue of assistant-turn records, runs the Enhancement
// Decider, optionally streams a UI artifact, and emits frames to the
// connection's output queue (or, for voice-originated response frames, to
// the fan-out bus).
//
// Grounded on original_source/backend/app/per_connection_processor.py's
// PerConnectionProcessor: the enhance/no-enhance branch
// (_process_with_enhancement / _process_without_enhancement), the
// error-frame fallback (_send_error_response), and the routing rule from
// send_message_to_frontend — voice_response/user_transcription/
// immediate_voice_response are broadcast, everything else goes to the
// per-connection queue. Translated into the teacher's goroutine-plus-channel
// idiom (compare internal/engine.VoiceEngine.Process's channel-based
// streaming return).
package worker

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/decider"
	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/session"
	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// HistoryDepth bounds how many recent conversation turns are folded into the
// visualization prompt (spec §4.7 step 4: "last 3 history items").
const HistoryDepth = 3

// DefaultFramework is used when the connection configuration carries no
// ui_framework preference, matching the reference implementation's
// "tailwind" fallback.
const DefaultFramework = "tailwind"

// Broadcaster is the narrow fan-out-bus surface the worker needs. Kept
// narrow to avoid importing package bus directly, mirroring
// connection.UIProvider's own dependency-avoidance idiom.
type Broadcaster interface {
	Broadcast(proto.Frame) int
}

// VoiceInjector is the media-pipeline capability C9 binds onto a
// connection's media handle: the entry point that speaks text as part of
// the current or next TTS segment. Grounded on voice_manager.py's
// inject_tts_to_connection.
type VoiceInjector interface {
	InjectVoiceOver(text string) error
}

// Worker runs the per-connection processing loop.
type Worker struct {
	cc        *connection.Context
	decider   *decider.Decider
	ui        uiprovider.Provider
	bus       Broadcaster
	logger    *slog.Logger
	sessions  *session.Registry
	conns     *connection.Registry
	sessionID string
}

// New constructs a Worker for cc. ui may be nil if the connection somehow
// has no visualization provider bound; d must be non-nil.
func New(cc *connection.Context, d *decider.Decider, ui uiprovider.Provider, bus Broadcaster, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cc: cc, decider: d, ui: ui, bus: bus, logger: logger}
}

// BindSession tells the worker to re-resolve its emission target through
// sessions on every frame, rather than always writing to cc, so that a
// control-channel reconnect under the same session (spec §8 scenario 6)
// re-routes frames to the new connection instead of the torn-down one.
func (w *Worker) BindSession(sessions *session.Registry, conns *connection.Registry, sessionID string) {
	w.sessions = sessions
	w.conns = conns
	w.sessionID = sessionID
}

// resolveTarget returns the connection id and context that should currently
// receive this worker's frames: the session's presently-bound control
// connection when this worker is session-bound, or the worker's own
// connection otherwise (also the fallback if the session or its bound
// connection can no longer be found).
func (w *Worker) resolveTarget() (string, *connection.Context) {
	if w.sessions != nil && w.sessionID != "" {
		if sess, ok := w.sessions.Get(w.sessionID); ok && sess.ControlID != "" {
			if cc := w.conns.Get(sess.ControlID); cc != nil {
				return sess.ControlID, cc
			}
		}
	}
	return w.cc.ID, w.cc
}

// Run drains cc.Input until ctx is cancelled or the channel is closed,
// processing one assistant-turn record at a time. It marks the connection's
// worker done on exit, unblocking Teardown's wait.
func (w *Worker) Run(ctx context.Context) {
	defer w.cc.MarkWorkerDone()
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-w.cc.Input:
			if !ok {
				return
			}
			w.process(ctx, turn)
		}
	}
}

// process implements the spec §4.7 per-record algorithm.
func (w *Worker) process(ctx context.Context, turn connection.AssistantTurn) {
	if turn.Text == "" {
		return
	}

	messageID := turn.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	decision := w.decide(ctx, turn)

	var err error
	if decision.Enhance {
		err = w.processEnhanced(ctx, decision, turn, messageID)
	} else {
		err = w.sendSimpleResponse(ctx, decision.DisplayText, turn, messageID)
	}
	if err == nil {
		return
	}

	w.cc.Metrics.IncEnhancementErrs()
	w.logger.Error("worker: turn processing failed",
		"connection_id", w.cc.ID, "message_id", messageID, "error", err)

	if sendErr := w.sendErrorResponse(ctx, err.Error(), turn, messageID); sendErr != nil {
		w.logger.Error("worker: error response delivery failed",
			"connection_id", w.cc.ID, "message_id", messageID, "error", sendErr)
	}
}

// decide runs the bypass rule (spec §4.6) for text-sourced turns, otherwise
// runs the decider with a voice-over injection callback bound to the
// connection's media handle.
func (w *Worker) decide(ctx context.Context, turn connection.AssistantTurn) decider.Decision {
	if turn.Source == connection.SourceText {
		return decider.DefaultTextDecision(turn.Text)
	}

	var inject decider.InjectFunc
	if turn.Source == connection.SourceMedia {
		inject = w.injectVoiceOver
	}
	return w.decider.Decide(ctx, turn.Text, turn.History, inject)
}

// injectVoiceOver delivers a voice-over fragment directly to the owning
// connection's media pipeline, never to the fan-out bus (spec §4.7 step 2:
// "not a broadcast").
func (w *Worker) injectVoiceOver(text string) error {
	injector, ok := w.cc.MediaHandle().(VoiceInjector)
	if !ok || injector == nil {
		return fmt.Errorf("worker: connection %s has no voice injector bound", w.cc.ID)
	}
	return injector.InjectVoiceOver(text)
}

// processEnhanced implements spec §4.7 step 4: enhancement_started, then one
// ui_token per streamed chunk, then chat_done, all bearing messageID.
func (w *Worker) processEnhanced(ctx context.Context, decision decider.Decision, turn connection.AssistantTurn, messageID string) error {
	if err := w.emit(ctx, proto.Frame{
		Kind:         proto.KindEnhancementStarted,
		Message:      "Generating enhanced display...",
		ConnectionID: w.cc.ID,
		ThreadID:     turn.ThreadID,
	}); err != nil {
		return err
	}

	if w.ui == nil {
		w.logger.Warn("worker: no visualization provider bound, falling back to simple response", "connection_id", w.cc.ID)
		return w.sendSimpleResponse(ctx, decision.DisplayText, turn, messageID)
	}

	messages := w.visualizationMessages(decision.DisplayText, turn.History)
	chunks, err := w.ui.StreamResponse(ctx, messages)
	if err != nil {
		return fmt.Errorf("visualization stream: %w", err)
	}

	tokenKind := proto.KindHTMLToken
	if w.ui.Kind().IsC1Style() {
		tokenKind = proto.KindC1Token
	}

	for chunk := range chunks {
		if chunk == "" {
			continue
		}
		if err := w.emit(ctx, proto.Frame{
			Kind:         tokenKind,
			ID:           messageID,
			Content:      chunk,
			ConnectionID: w.cc.ID,
			ThreadID:     turn.ThreadID,
		}); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return w.emit(ctx, proto.Frame{
		Kind:         proto.KindChatDone,
		ID:           messageID,
		ConnectionID: w.cc.ID,
		ThreadID:     turn.ThreadID,
	})
}

// visualizationMessages builds the prompt chain for C5: system prompt (with
// tool list baked in by the provider itself) + last HistoryDepth turns +
// the display text as an assistant-role message.
func (w *Worker) visualizationMessages(displayText string, history []types.Message) []types.Message {
	system := w.ui.SystemPrompt(w.framework())
	messages := make([]types.Message, 0, len(history)+2)
	messages = append(messages, types.Message{Role: "system", Content: system})
	messages = append(messages, recentHistory(history, HistoryDepth)...)
	messages = append(messages, types.Message{Role: "assistant", Content: displayText})
	return messages
}

func recentHistory(history []types.Message, k int) []types.Message {
	if len(history) <= k {
		return history
	}
	return history[len(history)-k:]
}

// framework resolves the connection's ui_framework preference, defaulting
// to DefaultFramework when unset.
func (w *Worker) framework() string {
	cfg := w.cc.Config()
	if cfg == nil || cfg.Preferences.UIFramework == "" {
		return DefaultFramework
	}
	return cfg.Preferences.UIFramework
}

// sendSimpleResponse implements spec §4.7 step 3: a component-tree card for
// C1-style providers, a framework-appropriate HTML snippet otherwise.
// Content is HTML-escaped before rendering.
func (w *Worker) sendSimpleResponse(ctx context.Context, content string, turn connection.AssistantTurn, messageID string) error {
	contentType, body := w.render(content, renderKindSimple)
	frame := w.responseFrame(body, contentType, turn, messageID)
	return w.emit(ctx, frame)
}

// sendErrorResponse implements spec §4.7 step 5 and §7's "framework-
// appropriate error card/callout embedded in a normal response frame" rule:
// per-turn errors are NOT protocol-level error frames.
func (w *Worker) sendErrorResponse(ctx context.Context, reason string, turn connection.AssistantTurn, messageID string) error {
	full := fmt.Sprintf("Failed to process your message: %s", reason)
	contentType, body := w.render(full, renderKindError)
	frame := w.responseFrame(body, contentType, turn, messageID)
	return w.emit(ctx, frame)
}

type renderKind int

const (
	renderKindSimple renderKind = iota
	renderKindError
)

// render dispatches to the C1 component-tree or framework HTML renderer
// depending on the bound provider's kind, returning the content_type wire
// value alongside the rendered body.
func (w *Worker) render(text string, kind renderKind) (contentType, body string) {
	if w.ui != nil && w.ui.Kind().IsC1Style() {
		if kind == renderKindError {
			return "c1", renderErrorCard(text)
		}
		return "c1", renderSimpleCard(text)
	}

	framework := w.framework()
	escaped := html.EscapeString(text)
	if kind == renderKindError {
		return "html", ensureHTMLWrapped(renderErrorHTML(escaped, framework), framework)
	}
	return "html", ensureHTMLWrapped(renderSimpleHTML(escaped, framework), framework)
}

// responseFrame builds a voice_response (source=media) or
// text_chat_response (source=text) frame around a rendered body, matching
// _send_simple_response / _send_error_response's source-driven frame choice.
func (w *Worker) responseFrame(content, contentType string, turn connection.AssistantTurn, messageID string) proto.Frame {
	framework := w.framework()
	if contentType == "c1" {
		framework = "c1"
	}

	frame := proto.Frame{
		ID:           messageID,
		Role:         "assistant",
		Content:      content,
		ContentType:  contentType,
		Framework:    framework,
		ConnectionID: w.cc.ID,
		ThreadID:     turn.ThreadID,
	}
	if turn.Source == connection.SourceMedia {
		frame.Kind = proto.KindVoiceResponse
		return frame
	}
	frame.Kind = proto.KindTextChatResponse
	return frame
}

// emit stamps frame and routes it: voice-bus kinds are broadcast to every
// subscribed control channel (never queued on this connection's own
// output), everything else is a blocking send to cc.Output, matching the
// spec §5 "worker-to-output is blocking with backpressure" policy. ctx
// cancellation unblocks a send that would otherwise wait forever on a
// torn-down connection.
func (w *Worker) emit(ctx context.Context, frame proto.Frame) error {
	frame.Stamp(time.Now())

	connID, target := w.resolveTarget()
	frame.ConnectionID = connID

	if proto.VoiceBusKinds[frame.Kind] {
		if w.bus != nil {
			w.bus.Broadcast(frame)
		}
		return nil
	}

	select {
	case target.Output <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
