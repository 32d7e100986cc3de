package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  control_path: /ws/control
  media_path: /api/offer
  log_level: info
  session_ttl: 1h

providers:
  llm:
    name: openai
    api_key_env: OPENAI_API_KEY
    model: gpt-4o

mcp:
  servers:
    - name: calendar
      transport: stdio
      command: ./tools/calendar
    - name: weather
      transport: https
      url: https://weather.example.com/mcp
      timeout_sec: 10
`

func TestLoadFromReader_ValidConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, config.LogLevelInfo, cfg.Server.LogLevel)
	assert.Equal(t, "openai", cfg.Providers.LLM.Name)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Providers.LLM.APIKeyEnv)
	require.Len(t, cfg.MCP.Servers, 2)
	assert.Equal(t, "calendar", cfg.MCP.Servers[0].Name)
	assert.Equal(t, config.TransportStdio, cfg.MCP.Servers[0].Transport)
	assert.Equal(t, 10, cfg.MCP.Servers[1].TimeoutSec)
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`server:
  listen_addr: ":8080"
unknown_top_level_field: true
`))
	require.Error(t, err)
}

func TestValidate_MissingListenAddr(t *testing.T) {
	t.Parallel()
	err := config.Validate(&config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_addr")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: "bananas"}}
	err := config.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidate_StdioServerRequiresCommand(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080"},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "broken", Transport: config.TransportStdio},
		}},
	}
	err := config.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestValidate_NetworkServerRequiresURL(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080"},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "broken", Transport: config.TransportHTTPS},
		}},
	}
	err := config.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{{Transport: config.TransportStdio}}},
	}
	err := config.Validate(cfg)
	require.Error(t, err)

	var unwrapped interface{ Unwrap() []error }
	require.True(t, errors.As(err, &unwrapped))
	assert.GreaterOrEqual(t, len(unwrapped.Unwrap()), 2)
}

func TestToolClientServers_StdioUsesCommandAndSkipsURL(t *testing.T) {
	t.Parallel()
	servers := []config.MCPServerConfig{
		{Name: "calendar", Transport: config.TransportStdio, Command: "./tools/calendar", URL: "ignored"},
		{Name: "weather", Transport: config.TransportHTTPS, URL: "https://weather.example.com/mcp", TimeoutSec: 5},
	}

	out := config.ToolClientServers(servers)
	require.Len(t, out, 2)
	assert.Equal(t, "./tools/calendar", out[0].Command)
	assert.Empty(t, out[0].URL)
	assert.Empty(t, out[1].Command)
	assert.Equal(t, "https://weather.example.com/mcp", out[1].URL)
}
