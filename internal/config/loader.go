package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names for the daemon's backend LLM.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no backend LLM provider configured; the plain chat path and enhancement decider will not work")
	} else if !slices.Contains(ValidProviderNames, cfg.Providers.LLM.Name) {
		slog.Warn("unknown backend LLM provider name — may be a typo or third-party provider",
			"name", cfg.Providers.LLM.Name, "known", ValidProviderNames)
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport != "" && srv.Transport != TransportStdio && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for transport %q", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// ToolClientServers converts the daemon-wide MCP server list into the shape
// toolclient.Client.Initialize expects, resolving api-key-style headers is
// left to the caller since MCPServerConfig carries none today.
func ToolClientServers(servers []MCPServerConfig) []toolclient.ServerConfig {
	out := make([]toolclient.ServerConfig, 0, len(servers))
	for _, s := range servers {
		entry := toolclient.ServerConfig{
			Name:      s.Name,
			Transport: toolclient.Transport(s.Transport),
		}
		if s.Transport == TransportStdio {
			entry.Command = s.Command
		} else {
			entry.URL = s.URL
		}
		if s.TimeoutSec > 0 {
			entry.Timeout = time.Duration(s.TimeoutSec) * time.Second
		}
		out = append(out, entry)
	}
	return out
}
