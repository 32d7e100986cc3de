// Package proto defines the wire contract between the gateway and a
// control-channel client: frame kinds, their JSON shapes, and the
// configuration handshake schema described in the system specification.
//
// All server → client frames share a "type" discriminator field; decoding
// is a two-step peek-then-decode, matching the teacher's json.Unmarshal
// conventions elsewhere in the codebase (e.g. mcphost.schemaToMap).
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a frame's wire type.
type Kind string

const (
	KindConnectionEstablished Kind = "connection_established"
	KindConnectionState       Kind = "connection_state"
	KindUserTranscription     Kind = "user_transcription"
	KindChatToken             Kind = "chat_token"
	KindC1Token               Kind = "c1_token"
	KindHTMLToken             Kind = "html_token"
	KindEnhancementStarted    Kind = "enhancement_started"
	KindChatDone              Kind = "chat_done"
	KindVoiceResponse         Kind = "voice_response"
	KindTextChatResponse      Kind = "text_chat_response"
	KindError                 Kind = "error"

	// ImmediateVoiceResponse is part of the voice-bus kind set (spec §9 Open
	// Question iii); the gateway never emits it but recognises it on the bus.
	KindImmediateVoiceResponse Kind = "immediate_voice_response"
)

// ClientKind identifies a client → server frame's wire type.
type ClientKind string

const (
	ClientKindConnectionConfig ClientKind = "connection_config"
	ClientKindChat             ClientKind = "chat"
	ClientKindChatRequest      ClientKind = "chat_request"
	ClientKindThesysBridge     ClientKind = "thesys_bridge"
	ClientKindUserInteraction  ClientKind = "user_interaction"
)

// VoiceBusKinds is the set of frame kinds the fan-out bus (C3) ever delivers.
var VoiceBusKinds = map[Kind]bool{
	KindUserTranscription:      true,
	KindImmediateVoiceResponse: true,
	KindVoiceResponse:          true,
}

// Frame is a single tagged message crossing the control channel. Fields not
// relevant to Kind are left zero and omitted from the JSON encoding.
type Frame struct {
	Kind Kind `json:"type"`

	// Routing (not always on the wire; ConnectionID/ThreadID are used by the
	// fan-out bus for delivery filtering and stripped for some kinds).
	ConnectionID string `json:"connection_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`

	ID       string `json:"id,omitempty"`
	Content  string `json:"content,omitempty"`
	Message  string `json:"message,omitempty"`
	Role     string `json:"role,omitempty"`
	State    string `json:"state,omitempty"`
	Progress *int   `json:"progress,omitempty"`

	VoiceText   string         `json:"voice_text,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Framework   string         `json:"framework,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Timestamp float64 `json:"timestamp,omitempty"`
}

// Stamp sets Timestamp to t expressed as POSIX seconds.
func (f *Frame) Stamp(t time.Time) {
	f.Timestamp = float64(t.UnixNano()) / 1e9
}

// MatchesConnection reports whether f is addressed to connID: true when f
// carries no ConnectionID (broadcast-shaped) or when it matches exactly.
func (f Frame) MatchesConnection(connID string) bool {
	return f.ConnectionID == "" || f.ConnectionID == connID
}

// MatchesThread reports whether f's ThreadID matches subscriberThread under
// the spec §4.3 rule: only a mismatch when BOTH sides are non-empty.
func (f Frame) MatchesThread(subscriberThread string) bool {
	if f.ThreadID == "" || subscriberThread == "" {
		return true
	}
	return f.ThreadID == subscriberThread
}

// ClientMessage is a decoded client → server frame.
type ClientMessage struct {
	Kind      ClientKind      `json:"type"`
	Message   string          `json:"message,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`

	// Config is populated (and only valid) when Kind == ClientKindConnectionConfig.
	Config *ConnectionConfig `json:"config,omitempty"`

	// Interaction is populated when Kind == ClientKindUserInteraction.
	Interaction *UserInteraction `json:"interaction,omitempty"`

	// Action carries the thesys_bridge re-entry payload verbatim.
	Action json.RawMessage `json:"action,omitempty"`
}

// UserInteractionKind enumerates the three user_interaction sub-kinds.
type UserInteractionKind string

const (
	InteractionFormSubmit  UserInteractionKind = "form_submit"
	InteractionButtonClick UserInteractionKind = "button_click"
	InteractionInputChange UserInteractionKind = "input_change"
)

// UserInteraction is the structured context carried by a user_interaction frame.
type UserInteraction struct {
	Kind     UserInteractionKind `json:"kind"`
	ThreadID string              `json:"thread_id,omitempty"`
	Context  map[string]any      `json:"context"`
}

// MCPServerConfig describes one tool server entry inside a configuration frame.
type MCPServerConfig struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Transport   string            `json:"transport"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutSec  int               `json:"timeout,omitempty"`
}

// MCPConfig is the mcp_config block of a configuration frame.
type MCPConfig struct {
	Model      string            `json:"model"`
	APIKeyEnv  string            `json:"api_key_env"`
	Servers    []MCPServerConfig `json:"servers"`
	TimeoutSec int               `json:"timeout"`
	MaxServers int               `json:"max_servers"`
}

// VisualizationProviderConfig is the visualization_provider block.
type VisualizationProviderConfig struct {
	ProviderType   string            `json:"provider_type"`
	APIKeyEnv      string            `json:"api_key_env,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	Model          string            `json:"model,omitempty"`
	TimeoutSec     int               `json:"timeout"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
}

// Preferences is the preferences block of a configuration frame.
type Preferences struct {
	UIFramework string `json:"ui_framework,omitempty"`
}

// ConnectionConfig is the decoded body of a connection_config frame.
type ConnectionConfig struct {
	ClientID               string                      `json:"client_id"`
	AuthToken               string                      `json:"auth_token,omitempty"`
	MCP                    MCPConfig                   `json:"mcp_config"`
	VisualizationProvider  VisualizationProviderConfig `json:"visualization_provider"`
	Preferences            Preferences                 `json:"preferences"`
}

// UnmarshalClientMessage decodes a raw client frame, populating Config or
// Interaction depending on the discriminator.
func UnmarshalClientMessage(raw []byte) (*ClientMessage, error) {
	var peek struct {
		Type ClientKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("proto: decode frame envelope: %w", err)
	}

	switch peek.Type {
	case ClientKindConnectionConfig:
		var full struct {
			Type   ClientKind       `json:"type"`
			Config ConnectionConfig `json:"config"`
		}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("proto: decode connection_config: %w", err)
		}
		return &ClientMessage{Kind: full.Type, Config: &full.Config}, nil

	case ClientKindUserInteraction:
		var full struct {
			Type        ClientKind      `json:"type"`
			Interaction UserInteraction `json:"interaction"`
		}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("proto: decode user_interaction: %w", err)
		}
		return &ClientMessage{Kind: full.Type, Interaction: &full.Interaction}, nil

	case ClientKindChat, ClientKindChatRequest:
		var full struct {
			Type      ClientKind `json:"type"`
			Message   string     `json:"message"`
			ThreadID  string     `json:"thread_id,omitempty"`
			MessageID string     `json:"message_id,omitempty"`
		}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("proto: decode chat frame: %w", err)
		}
		return &ClientMessage{Kind: full.Type, Message: full.Message, ThreadID: full.ThreadID, MessageID: full.MessageID}, nil

	case ClientKindThesysBridge:
		var full struct {
			Type   ClientKind      `json:"type"`
			Action json.RawMessage `json:"action"`
		}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("proto: decode thesys_bridge: %w", err)
		}
		return &ClientMessage{Kind: full.Type, Action: full.Action}, nil

	default:
		return nil, fmt.Errorf("proto: unknown client frame kind %q", peek.Type)
	}
}

// MaxMessageBytes is the spec's per-message body limit.
const MaxMessageBytes = 10 * 1024

// MaxClientIDLen is the spec's client id length limit.
const MaxClientIDLen = 100
