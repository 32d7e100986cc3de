package toolclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_IsValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		transport Transport
		want      bool
	}{
		{TransportHTTP, true},
		{TransportHTTPS, true},
		{TransportWebsocket, true},
		{TransportWS, false},
		{TransportWSS, false},
		{TransportStdio, true},
		{Transport("carrier-pigeon"), false},
		{Transport(""), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.transport.IsValid(), "transport %q", c.transport)
	}
}

func TestDescriptor_ToDefinition(t *testing.T) {
	t.Parallel()

	d := Descriptor{
		ServerName:  "dice",
		ToolName:    "roll",
		Key:         "dice_roll",
		Description: "rolls dice",
		InputSchema: map[string]any{"type": "object"},
	}
	def := d.ToDefinition()
	assert.Equal(t, "dice_roll", def.Name)
	assert.Equal(t, "rolls dice", def.Description)
	assert.Equal(t, map[string]any{"type": "object"}, def.Parameters)
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	exe, args := splitCommand("/usr/local/bin/mcp-server --port 8080")
	assert.Equal(t, "/usr/local/bin/mcp-server", exe)
	assert.Equal(t, []string{"--port", "8080"}, args)

	exe, args = splitCommand("")
	assert.Empty(t, exe)
	assert.Nil(t, args)
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]any{"type": "object"}, schemaToMap(nil))

	m := schemaToMap(map[string]any{"type": "string"})
	assert.Equal(t, map[string]any{"type": "string"}, m)

	type schema struct {
		Type string `json:"type"`
	}
	m = schemaToMap(schema{Type: "number"})
	assert.Equal(t, "number", m["type"])
}

func TestClient_InvokeUnknownTool(t *testing.T) {
	t.Parallel()

	c := New()
	_, err := c.Invoke(context.Background(), "nonexistent_tool", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClient_ListToolsEmptyBeforeInitialize(t *testing.T) {
	t.Parallel()

	c := New()
	assert.Empty(t, c.ListTools())
}

func TestClient_InitializeRejectsUnknownTransport(t *testing.T) {
	t.Parallel()

	c := New()
	err := c.Initialize(context.Background(), []ServerConfig{
		{Name: "broken", Transport: Transport("telepathy")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestClient_InitializeRejectsMissingName(t *testing.T) {
	t.Parallel()

	c := New()
	err := c.Initialize(context.Background(), []ServerConfig{
		{Transport: TransportStdio, Command: "/bin/true"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty name")
}

func TestClient_CloseIsIdempotentOnEmptyClient(t *testing.T) {
	t.Parallel()

	c := New()
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
