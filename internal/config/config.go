// Package config provides the static configuration schema, YAML loader, and
// hot-reload watcher for the gateway daemon.
package config

import "time"

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised level names. An empty
// LogLevel is not itself valid; callers treat "" as "unset, use the default".
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config is the root configuration structure for the gateway daemon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the gateway daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// ControlPath is the HTTP path the control-channel WebSocket is served on.
	ControlPath string `yaml:"control_path"`

	// MediaPath is the HTTP path the media offer/answer endpoint is served on.
	MediaPath string `yaml:"media_path"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// SessionTTL bounds how long an idle session survives in the session
	// registry before it is swept. Zero means the registry's own default.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// ProvidersConfig declares the backend LLM used for the plain (non-enhanced)
// chat path and the enhancement decider. Unlike the per-connection tool
// servers carried in a configuration frame, this is the one provider the
// daemon itself owns and wires at startup.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block for a named provider.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API, read directly
	// from the file. Prefer APIKeyEnv for anything checked into source control.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable to resolve the API key from.
	// APIKey takes precedence when both are set.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// MCPConfig holds the list of Model Context Protocol servers the daemon
// connects to by default, in addition to whatever a connection's own
// configuration frame requests.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// Transport selects the connection mechanism for a statically configured
// MCP server. Mirrors toolclient.Transport's vocabulary.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportHTTPS Transport = "https"
	TransportWS    Transport = "ws"
	TransportWSS   Transport = "wss"
)

// IsValid reports whether t is a recognised transport name.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportHTTPS, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// MCPServerConfig describes how to connect to a single, daemon-wide MCP tool
// server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for network transports.
	Command string `yaml:"command"`

	// URL is the endpoint address used for network transports. Ignored for
	// stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// TimeoutSec bounds a single tool call against this server. Zero means
	// the tool client's own default.
	TimeoutSec int `yaml:"timeout_sec"`
}
