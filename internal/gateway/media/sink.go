package media

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/bus"
	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/session"
)

// connectionSink binds a Pipeline to its owning connection: turns go onto
// the current control connection's Input directly (the same queue C8's
// receiver feeds), and transcript frames go out over the fan-out bus scoped
// to that connection and thread, matching spec §4.3's broadcast-vs-queue
// routing rule. When the channel was created under a session id, the
// control connection is re-resolved through session.Registry on every
// delivery rather than held fixed, so a control-channel reconnect under the
// same session (spec §8 scenario 6) redirects turns and frames to the new
// connection instead of the torn-down one.
type connectionSink struct {
	conns     *connection.Registry
	sessions  *session.Registry
	bus       *bus.Bus
	connID    string // fallback / initial control connection id
	sessionID string // empty if this channel was bound directly, not via a session
}

func newConnectionSink(conns *connection.Registry, sessions *session.Registry, b *bus.Bus, connID, sessionID string) *connectionSink {
	return &connectionSink{conns: conns, sessions: sessions, bus: b, connID: connID, sessionID: sessionID}
}

// resolve returns the control connection id and context that should
// currently receive turns/frames for this sink.
func (s *connectionSink) resolve() (string, *connection.Context) {
	connID := s.connID
	if s.sessionID != "" {
		if sess, ok := s.sessions.Get(s.sessionID); ok && sess.ControlID != "" {
			connID = sess.ControlID
		}
	}
	return connID, s.conns.Get(connID)
}

// EnqueueTurn blocks on the input queue (bounded, matching the worker's own
// backpressure policy for network-to-input: spec §5 "network-to-input is
// blocking with backpressure").
func (s *connectionSink) EnqueueTurn(ctx context.Context, turn connection.AssistantTurn) error {
	_, cc := s.resolve()
	if cc == nil {
		return fmt.Errorf("media: no control connection bound to enqueue turn")
	}
	turn.Source = connection.SourceMedia
	select {
	case cc.Input <- turn:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("media: enqueue turn canceled: %w", ctx.Err())
	}
}

// BroadcastTranscript stamps and scopes frame to the current control
// connection before publishing it on the bus; only the kinds in
// proto.VoiceBusKinds are actually delivered, everything else is silently
// dropped by Bus.Broadcast.
func (s *connectionSink) BroadcastTranscript(frame proto.Frame) {
	connID, _ := s.resolve()
	if connID == "" {
		return
	}
	frame.ConnectionID = connID
	if frame.Timestamp == 0 {
		frame.Stamp(time.Now())
	}
	s.bus.Broadcast(frame)
}
