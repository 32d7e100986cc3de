package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

func validConfig() *proto.ConnectionConfig {
	return &proto.ConnectionConfig{
		ClientID: "client-1",
		MCP: proto.MCPConfig{
			Servers: []proto.MCPServerConfig{
				{Name: "dice", URL: "https://tools.example.com/mcp", Transport: "https"},
			},
		},
		VisualizationProvider: proto.VisualizationProviderConfig{ProviderType: "openai"},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_RejectsEmptyClientID(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ClientID = ""
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsOversizedClientID(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ClientID = string(make([]byte, proto.MaxClientIDLen+1))
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsForbiddenHost(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.Servers[0].URL = "http://169.254.169.254/latest/meta-data"
	cfg.MCP.Servers[0].Transport = "http"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsPrivateNetworkHost(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.Servers[0].URL = "http://192.168.1.5/mcp"
	cfg.MCP.Servers[0].Transport = "http"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsDuplicateServerNames(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.Servers = append(cfg.MCP.Servers, proto.MCPServerConfig{
		Name: "dice", URL: "https://other.example.com/mcp", Transport: "https",
	})
	assert.Error(t, Validate(cfg))
}

func TestValidate_AcceptsWebsocketTransport(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.Servers[0].Transport = "websocket"
	cfg.MCP.Servers[0].URL = "wss://tools.example.com/mcp"
	assert.NoError(t, Validate(cfg))
}

func TestValidate_RejectsUnknownTransport(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.Servers[0].Transport = "carrier-pigeon"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsTooManyServers(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MCP.MaxServers = 1
	cfg.MCP.Servers = append(cfg.MCP.Servers, proto.MCPServerConfig{
		Name: "extra", URL: "https://other.example.com/mcp", Transport: "https",
	})
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsUnknownProviderType(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.VisualizationProvider.ProviderType = "carrier-pigeon"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsMissingEnvCredential(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.VisualizationProvider.APIKeyEnv = "DEFINITELY_UNSET_ENV_VAR_XYZ"
	assert.Error(t, Validate(cfg))
}

func TestIsLegal(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLegal(StateConnecting, StateConfigReceived))
	assert.True(t, IsLegal(StateReady, StateActive))
	assert.True(t, IsLegal(StateActive, StateError))
	assert.True(t, IsLegal(StateMCPInit, StateDisconnecting))
	assert.False(t, IsLegal(StateConnecting, StateActive))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")
	assert.Equal(t, StateConnecting, cc.State())
	assert.Same(t, cc, r.Get("conn-1"))
	assert.Nil(t, r.Get("unknown"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_TransitionPublishesFrame(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")

	var sent []proto.Frame
	cc.Send = func(f proto.Frame) error {
		sent = append(sent, f)
		return nil
	}

	require.NoError(t, r.Transition(cc, StateConfigReceived, "got config", nil))
	require.Len(t, sent, 1)
	assert.Equal(t, proto.KindConnectionState, sent[0].Kind)
	assert.Equal(t, "config_received", sent[0].State)
	assert.Equal(t, StateConfigReceived, cc.State())
}

func TestRegistry_TransitionRejectsIllegalEdge(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")
	err := r.Transition(cc, StateActive, "skip ahead", nil)
	assert.Error(t, err)
}

func TestRegistry_TransitionClampsRepeatedTerminalFailure(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")

	calls := 0
	cc.Send = func(proto.Frame) error {
		calls++
		return errors.New("boom")
	}

	// First attempt: send fails, recurses once into StateError (send fails
	// again, but a failed send only recurses when the target is not
	// StateError, so the recursive call stops there instead of recursing
	// forever).
	_ = r.Transition(cc, StateConfigReceived, "go", nil)
	assert.Equal(t, StateError, cc.State())
	assert.Equal(t, 2, calls, "expected exactly one retry into StateError before recursion stops")
}

func TestRegistry_SweepFindsNothingWhenActive(t *testing.T) {
	t.Parallel()
	r := New(nil)
	r.Register("conn-1")
	assert.Empty(t, r.Sweep(0))
}

func TestContext_HistoryAppendAndSnapshot(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")

	cc.AppendHistory("thread-1", types.Message{Role: "user", Content: "hi"})
	cc.AppendHistory("thread-1", types.Message{Role: "assistant", Content: "hello"})

	h := cc.History("thread-1")
	require.Len(t, h, 2)
	assert.Equal(t, "hi", h[0].Content)

	// Mutating the snapshot must not affect the stored history.
	h[0].Content = "mutated"
	assert.Equal(t, "hi", cc.History("thread-1")[0].Content)
}

func TestRegistry_TeardownRemovesConnection(t *testing.T) {
	t.Parallel()
	r := New(nil)
	cc := r.Register("conn-1")
	cc.Send = func(proto.Frame) error { return nil }
	cc.MarkWorkerDone()

	unsubscribed := ""
	r.Teardown(context.Background(), cc, func(id string) { unsubscribed = id })

	assert.Equal(t, "conn-1", unsubscribed)
	assert.Nil(t, r.Get("conn-1"))
	assert.Equal(t, StateClosed, cc.State())
}

func TestConnectedServerCount(t *testing.T) {
	t.Parallel()
	c := toolclient.New()
	assert.Equal(t, 0, connectedServerCount(c))
}
