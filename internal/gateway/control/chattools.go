package control

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// chatToolCallTimeout bounds a single tool invocation triggered from the
// plain chat path, mirroring decider.ToolCallTimeout.
const chatToolCallTimeout = 20 * time.Second

// maxChatToolRounds bounds how many request/tool-result round trips a chat
// turn may take before giving up, preventing a misbehaving model from
// looping forever on tool calls.
const maxChatToolRounds = 4

// chatWithTools drives a single user chat turn through the connection's
// backend LLM, resolving any tool calls the model requests before
// returning its final text answer. Grounded on
// enhanced_mcp_client.py's chat_with_tools: an initial call with tool
// definitions attached, then one follow-up call per round of tool calls.
// The returned text becomes an AssistantTurn handed to the worker (C7),
// which independently decides whether to enhance it.
func chatWithTools(ctx context.Context, backend llm.Provider, toolClient *toolclient.Client, metrics *connection.Metrics, userMessage string, history []types.Message) (string, error) {
	messages := append(append([]types.Message{}, history...), types.Message{Role: "user", Content: userMessage})
	tools := chatToolDefinitions(toolClient)

	for round := 0; round < maxChatToolRounds; round++ {
		req := llm.CompletionRequest{Messages: messages}
		if len(tools) > 0 {
			req.Tools = tools
		}

		resp, err := backend.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("control: chat completion failed: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, types.Message{Role: "assistant", ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			metrics.IncToolCalls()
			result := invokeChatTool(ctx, toolClient, call)
			if result.failed {
				metrics.IncToolErrors()
			}
			messages = append(messages, types.Message{Role: "tool", ToolCallID: call.ID, Content: result.text})
		}
	}

	return "", fmt.Errorf("control: chat turn exceeded %d tool-call rounds", maxChatToolRounds)
}

type chatToolOutcome struct {
	text   string
	failed bool
}

// invokeChatTool calls a tool via C4, folding any failure into the textual
// result fed back to the model rather than aborting the turn, matching
// decider.invokeTool's "Error calling tool: ..." convention.
func invokeChatTool(ctx context.Context, toolClient *toolclient.Client, call types.ToolCall) chatToolOutcome {
	if toolClient == nil {
		return chatToolOutcome{text: fmt.Sprintf("Error: tool %s not available", call.Name), failed: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, chatToolCallTimeout)
	defer cancel()

	result, err := toolClient.Invoke(callCtx, call.Name, call.Arguments)
	if err != nil {
		return chatToolOutcome{text: fmt.Sprintf("Error calling tool: %v", err), failed: true}
	}
	if result.IsError {
		return chatToolOutcome{text: fmt.Sprintf("Error: %s", result.Content), failed: true}
	}
	return chatToolOutcome{text: result.Content}
}

func chatToolDefinitions(toolClient *toolclient.Client) []types.ToolDefinition {
	if toolClient == nil {
		return nil
	}
	descriptors := toolClient.ListTools()
	if len(descriptors) == 0 {
		return nil
	}
	defs := make([]types.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, d.ToDefinition())
	}
	return defs
}
