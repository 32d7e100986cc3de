package control

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/bus"
	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/mock"
)

func TestConvertServers_StdioUsesURLAsCommand(t *testing.T) {
	t.Parallel()
	servers := []proto.MCPServerConfig{
		{Name: "local", URL: "./run-tool", Transport: "stdio", TimeoutSec: 5},
		{Name: "remote", URL: "https://tools.example.com/mcp", Transport: "https", TimeoutSec: 10},
	}

	out := convertServers(servers)
	require.Len(t, out, 2)

	assert.Equal(t, toolclient.TransportStdio, out[0].Transport)
	assert.Equal(t, "./run-tool", out[0].Command)
	assert.Equal(t, 5*time.Second, out[0].Timeout)

	assert.Equal(t, toolclient.TransportHTTPS, out[1].Transport)
	assert.Empty(t, out[1].Command)
	assert.Equal(t, 10*time.Second, out[1].Timeout)
}

func TestBusBridgeLoop_ForwardsBroadcastFrameToOutput(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	conns := connection.New(nil)
	cc := conns.Register("conn-1")

	h := &Handler{Bus: b, Logger: testLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.busBridgeLoop(ctx, cc)
		close(done)
	}()

	// Give busBridgeLoop time to subscribe before broadcasting.
	require.Eventually(t, func() bool {
		_, _, ok := b.Stats("conn-1")
		return ok
	}, time.Second, time.Millisecond)

	frame := proto.Frame{Kind: proto.KindVoiceResponse, Message: "hi", ConnectionID: "conn-1"}
	b.Broadcast(frame)

	select {
	case got := <-cc.Output:
		assert.Equal(t, "hi", got.Message)
	case <-time.After(time.Second):
		t.Fatal("frame was not forwarded to cc.Output")
	}

	cancel()
	<-done
}

func TestBusBridgeLoop_DropsWhenOutputFull(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	conns := connection.New(nil)
	cc := conns.Register("conn-2")

	// Fill the output queue so the bridge must drop.
	for len(cc.Output) < cap(cc.Output) {
		cc.Output <- proto.Frame{Kind: proto.KindVoiceResponse, Message: "filler"}
	}

	h := &Handler{Bus: b, Logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.busBridgeLoop(ctx, cc)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, ok := b.Stats("conn-2")
		return ok
	}, time.Second, time.Millisecond)

	b.Broadcast(proto.Frame{Kind: proto.KindVoiceResponse, Message: "overflow", ConnectionID: "conn-2"})

	require.Eventually(t, func() bool {
		return cc.Metrics.Snapshot().QueueFullDrops == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestHandleChat_EnqueuesAssistantTurnAndAppendsHistory(t *testing.T) {
	t.Parallel()
	conns := connection.New(nil)
	cc := conns.Register("conn-3")

	backend := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "sure thing"}}
	h := &Handler{Backend: backend, Logger: testLogger()}

	h.handleChat(context.Background(), cc, "hello", "thread-1", "msg-1", connection.SourceText)

	select {
	case turn := <-cc.Input:
		assert.Equal(t, "sure thing", turn.Text)
		assert.Equal(t, "thread-1", turn.ThreadID)
		assert.Equal(t, "msg-1", turn.MessageID)
		assert.Equal(t, connection.SourceText, turn.Source)
	case <-time.After(time.Second):
		t.Fatal("no assistant turn was enqueued")
	}

	history := cc.History("thread-1")
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "sure thing", history[1].Content)
}

func TestHandleChat_EmptyMessageIsIgnored(t *testing.T) {
	t.Parallel()
	conns := connection.New(nil)
	cc := conns.Register("conn-4")
	h := &Handler{Backend: &mock.Provider{}, Logger: testLogger()}

	h.handleChat(context.Background(), cc, "", "thread-1", "msg-1", connection.SourceText)

	assert.Empty(t, cc.History("thread-1"))
	select {
	case <-cc.Input:
		t.Fatal("no turn should have been enqueued for an empty message")
	default:
	}
}

func TestHandleInteraction_ButtonClickTriggersFollowUpTurn(t *testing.T) {
	t.Parallel()
	conns := connection.New(nil)
	cc := conns.Register("conn-5")

	backend := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "got it"}}
	h := &Handler{Backend: backend, Logger: testLogger()}
	dedup := newInteractionDedup(InteractionDedupWindow)

	in := &proto.UserInteraction{
		Kind:     proto.InteractionButtonClick,
		ThreadID: "thread-2",
		Context:  map[string]any{"actionType": "confirm"},
	}

	h.handleInteraction(context.Background(), cc, in, dedup)

	select {
	case turn := <-cc.Input:
		assert.Equal(t, "got it", turn.Text)
		assert.Equal(t, "thread-2", turn.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("button_click should have produced a follow-up assistant turn")
	}

	history := cc.History("thread-2")
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Content, "Clicked confirm")
}

func TestHandleInteraction_InputChangeNeverTriggersATurn(t *testing.T) {
	t.Parallel()
	conns := connection.New(nil)
	cc := conns.Register("conn-6")

	backend := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "should not be called"}}
	h := &Handler{Backend: backend, Logger: testLogger()}
	dedup := newInteractionDedup(InteractionDedupWindow)

	in := &proto.UserInteraction{
		Kind:     proto.InteractionInputChange,
		ThreadID: "thread-3",
		Context:  map[string]any{"fieldName": "email", "value": "x@y.com"},
	}

	h.handleInteraction(context.Background(), cc, in, dedup)

	select {
	case <-cc.Input:
		t.Fatal("input_change must never enqueue an assistant turn")
	default:
	}

	history := cc.History("thread-3")
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Content, "Updated email")
}

func TestHandleInteraction_DuplicateWithinWindowIsSuppressed(t *testing.T) {
	t.Parallel()
	conns := connection.New(nil)
	cc := conns.Register("conn-7")

	backend := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ack"}}
	h := &Handler{Backend: backend, Logger: testLogger()}
	dedup := newInteractionDedup(InteractionDedupWindow)

	in := &proto.UserInteraction{
		Kind:     proto.InteractionButtonClick,
		ThreadID: "thread-4",
		Context:  map[string]any{"actionType": "confirm"},
	}

	h.handleInteraction(context.Background(), cc, in, dedup)
	<-cc.Input

	h.handleInteraction(context.Background(), cc, in, dedup)

	select {
	case <-cc.Input:
		t.Fatal("duplicate interaction within the dedup window must not enqueue another turn")
	default:
	}

	// Only the first interaction's display message should be in history.
	assert.Len(t, cc.History("thread-4"), 2)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
