// Package media implements the Media-Channel Handler (the system
// specification's C9): an HTTP offer/answer endpoint that creates or
// renegotiates a voice pipeline, links it to a session (C1) and its owning
// connection context (C2), and unregisters both on channel close.
//
// The pipeline itself (STT, LLM, TTS, VAD) is treated as an external
// collaborator, exactly as the teacher's pkg/audio/webrtc package abstracts
// the pion/webrtc peer connection behind PeerTransport rather than
// depending on it directly: this package only owns signaling, registry
// linkage, and the contract a pipeline must satisfy to participate in the
// gateway.
//
// Grounded on original_source/backend/app/webrtc.py's handle_offer (pc_id
// reuse/renegotiation, the on_closed discard callback) and
// pkg/audio/webrtc/signaling.go's room-map HTTP handler shape.
package media

import (
	"context"

	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
)

// Pipeline is the voice-processing collaborator bound to a connection once
// a media offer is accepted. Negotiate performs the SDP offer/answer
// exchange (or renegotiation); InjectVoiceOver satisfies worker.VoiceInjector
// so C7 can speak interstitial and enhancement voice-over lines through the
// same handle; Close tears the pipeline down.
type Pipeline interface {
	Negotiate(ctx context.Context, offerSDP string, restart bool) (answerSDP string, err error)
	InjectVoiceOver(text string) error
	Close(ctx context.Context) error
}

// Sink is the narrow surface a Pipeline implementation uses to deliver
// results back into the gateway: EnqueueTurn places a source=media
// assistant-turn record onto the owning connection's input queue (the same
// queue C8's receiver task feeds), and BroadcastTranscript publishes a
// bus-routed frame (user_transcription, voice_response, or
// immediate_voice_response) scoped to the owning connection and thread.
type Sink interface {
	EnqueueTurn(ctx context.Context, turn connection.AssistantTurn) error
	BroadcastTranscript(frame proto.Frame)
}

// Factory constructs a Pipeline for a freshly accepted or renegotiated
// media channel. onClosed must be invoked by the pipeline implementation
// when its underlying transport disconnects on its own (ICE failure,
// remote hangup), mirroring webrtc.py's on_closed callback; the handler
// uses it to unregister the channel without waiting for an explicit
// HTTP teardown call, since no such endpoint exists in the wire contract.
type Factory func(ctx context.Context, sink Sink, onClosed func()) (Pipeline, error)
