package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/mock"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

func TestChatWithTools_ReturnsContentWhenNoToolCallsRequested(t *testing.T) {
	t.Parallel()
	backend := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello there"}}

	answer, err := chatWithTools(context.Background(), backend, nil, &connection.Metrics{}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", answer)
	assert.Len(t, backend.CompleteCalls, 1)
}

// sequentialProvider returns one response per call in order, for exercising
// chatWithTools' multi-round tool-call loop (mock.Provider always replays
// the same CompleteResponse, which cannot express a two-step exchange).
type sequentialProvider struct {
	mock.Provider
	responses []*llm.CompletionResponse
	calls     int
}

func (p *sequentialProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func TestChatWithTools_ResolvesToolCallThenReturnsFollowUpAnswer(t *testing.T) {
	t.Parallel()
	backend := &sequentialProvider{responses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "search", Arguments: "{}"}}},
		{Content: "final answer"},
	}}
	metrics := &connection.Metrics{}

	answer, err := chatWithTools(context.Background(), backend, nil, metrics, "find it", nil)
	require.NoError(t, err)
	assert.Equal(t, "final answer", answer)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, int64(1), metrics.Snapshot().ToolCalls)
	assert.Equal(t, int64(1), metrics.Snapshot().ToolErrors, "a nil tool client folds into a tool error")
}

func TestChatWithTools_GivesUpAfterMaxRounds(t *testing.T) {
	t.Parallel()
	alwaysToolCall := &llm.CompletionResponse{ToolCalls: []types.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}}}
	backend := &mock.Provider{CompleteResponse: alwaysToolCall}

	_, err := chatWithTools(context.Background(), backend, nil, &connection.Metrics{}, "loop forever", nil)
	assert.Error(t, err)
}

func TestChatWithTools_PropagatesCompletionError(t *testing.T) {
	t.Parallel()
	backend := &mock.Provider{CompleteErr: assert.AnError}

	_, err := chatWithTools(context.Background(), backend, nil, &connection.Metrics{}, "hi", nil)
	assert.Error(t, err)
}

func TestInvokeChatTool_NoToolClientFoldsErrorIntoResult(t *testing.T) {
	t.Parallel()
	outcome := invokeChatTool(context.Background(), nil, types.ToolCall{Name: "search"})
	assert.True(t, outcome.failed)
	assert.Contains(t, outcome.text, "not available")
}

func TestChatToolDefinitions_NilClientReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, chatToolDefinitions(nil))
}
