// Package decider implements the Enhancement Decider (the system
// specification's C6): given an assistant utterance and recent
// conversation history, it produces an Enhancement Decision while
// progressively surfacing the portion safe to speak.
//
// Grounded on original_source/backend/src/mcp/enhanced_mcp_client.py's
// make_enhancement_decision / make_enhancement_decision_streaming: the
// single-LLM-call-with-optional-tool-use shape, the forced
// enhance=true-after-tool-use rule, the interstitial voice-over line, and
// the structured-parse-then-raw-JSON-retry-then-plain-fallback chain are
// all carried over. Streaming voice-over word extraction is grounded on
// the teacher's jsonfield.Scanner, chained into a WordBoundarySplitter.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/jsonfield"
	"github.com/MrWong99/glyphoxa/internal/gateway/toolclient"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// DefaultHistoryDepth is how many recent conversation turns are folded
// into the decision prompt (spec §4.6 suggests k = 3).
const DefaultHistoryDepth = 3

// DecisionTimeout bounds the whole Decide call, including any tool
// invocation and follow-up call.
const DecisionTimeout = 30 * time.Second

// ToolCallTimeout bounds a single tool invocation triggered by the decider.
const ToolCallTimeout = 20 * time.Second

// interstitialVoiceOver is spoken immediately when a tool call is requested,
// before the tool result is available.
const interstitialVoiceOver = "I'm using tools to help answer your question."

const baseSystemPrompt = `You are an AI assistant that decides whether a response should be enhanced with dynamic UI or displayed as plain text.

Available tools:
%s

Analyze the assistant response and determine:
1. If the content would benefit from visual enhancement
2. What enhanced text should be used for UI generation
3. What text should be used for voice-over/TTS
4. If any tools should be called to improve the response

For simple conversational responses, set enhance to false.
For responses with data, analysis, or tool usage, set enhance to true.

Respond with a single JSON object: {"enhance": boolean, "displayText": string, "voiceOverText": string}.`

// Decision is the outcome of C6.
type Decision struct {
	Enhance     bool   `json:"enhance"`
	DisplayText string `json:"displayText"`
	VoiceOver   string `json:"voiceOverText"`
}

// jsonDecision mirrors the schema asked of the model; its field names match
// the reference implementation's EnhancementDecision Pydantic model, which
// is distinct from Decision's own lowerCamel wire names used internally.
type jsonDecision struct {
	Enhance       *bool  `json:"enhance"`
	DisplayEnh    *bool  `json:"displayEnhancement"`
	DisplayText   string `json:"displayText"`
	DisplayEnhTxt string `json:"displayEnhancedText"`
	VoiceOverText string `json:"voiceOverText"`
}

func (j jsonDecision) toDecision(fallbackText string) Decision {
	enhance := false
	if j.Enhance != nil {
		enhance = *j.Enhance
	} else if j.DisplayEnh != nil {
		enhance = *j.DisplayEnh
	}
	display := j.DisplayText
	if display == "" {
		display = j.DisplayEnhTxt
	}
	if display == "" {
		display = fallbackText
	}
	voice := j.VoiceOverText
	if voice == "" {
		voice = fallbackText
	}
	return Decision{Enhance: enhance, DisplayText: display, VoiceOver: voice}
}

// Fallback is the decision returned whenever decision-making cannot
// complete: structured parsing fails twice, the call times out, or any
// unexpected error occurs.
func Fallback(utterance string) Decision {
	return Decision{Enhance: false, DisplayText: utterance, VoiceOver: utterance}
}

// DefaultTextDecision implements the bypass rule of spec §4.6: a text-turn
// assistant record skips the decider entirely and is assumed to want UI.
func DefaultTextDecision(utterance string) Decision {
	return Decision{Enhance: true, DisplayText: utterance, VoiceOver: ""}
}

// InjectFunc delivers a fragment of voice-over text to the owning
// connection's TTS pipeline. It is best-effort: a non-nil error is logged
// by the caller but never aborts decision production.
type InjectFunc func(text string) error

// Decider runs the enhancement decision algorithm for one connection. It is
// not safe for concurrent use by multiple goroutines processing the same
// connection, but a connection only ever has one worker goroutine driving it.
type Decider struct {
	backend    llm.Provider
	toolClient *toolclient.Client
	onToolCall func()
}

// New constructs a Decider. toolClient may be nil (no tools offered).
// onToolCall, if non-nil, is invoked once per tool call issued.
func New(backend llm.Provider, toolClient *toolclient.Client, onToolCall func()) *Decider {
	return &Decider{backend: backend, toolClient: toolClient, onToolCall: onToolCall}
}

// Decide runs the algorithm of spec §4.6 for a single assistant utterance,
// recording its outcome and latency.
func (d *Decider) Decide(ctx context.Context, utterance string, history []types.Message, inject InjectFunc) Decision {
	start := time.Now()
	decision := d.decide(ctx, utterance, history, inject)

	outcome := "bypass"
	if decision.Enhance {
		outcome = "enhance"
	}
	observe.DefaultMetrics().RecordEnhancementDecision(ctx, outcome)
	observe.DefaultMetrics().EnhancementDecisionDuration.Record(ctx, time.Since(start).Seconds())
	return decision
}

func (d *Decider) decide(ctx context.Context, utterance string, history []types.Message, inject InjectFunc) Decision {
	ctx, cancel := context.WithTimeout(ctx, DecisionTimeout)
	defer cancel()

	tools := d.toolDefinitions()
	messages := buildMessages(utterance, history, tools)

	req := llm.CompletionRequest{Messages: messages, Temperature: 0.3}
	if len(tools) > 0 {
		req.Tools = tools
	}

	chunks, err := d.backend.StreamCompletion(ctx, req)
	if err != nil {
		return Fallback(utterance)
	}

	var raw strings.Builder
	var toolCalls []types.ToolCall
	scanner := jsonfield.New("voiceOverText", 1)
	splitter := &jsonfield.WordBoundarySplitter{}

	for chunk := range chunks {
		if chunk.Text != "" {
			raw.WriteString(chunk.Text)
			if word := splitter.Feed(scanner.Feed(chunk.Text)); word != "" {
				inject.deliver(word)
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
	}
	if rest := splitter.Flush(); rest != "" {
		inject.deliver(rest)
	}

	if ctx.Err() != nil {
		return Fallback(utterance)
	}

	if len(toolCalls) > 0 {
		return d.decideWithToolCall(ctx, utterance, messages, toolCalls[0], inject)
	}

	return d.parseDecision(ctx, raw.String(), utterance, messages, false)
}

// deliver calls f if non-nil, discarding any error per the best-effort
// contract of spec §4.6.
func (f InjectFunc) deliver(text string) {
	if f == nil {
		return
	}
	_ = f(text)
}

// decideWithToolCall executes the model-requested tool call, surfaces the
// interstitial voice-over, and issues a follow-up call that must return the
// decision directly; the result always has Enhance forced true.
func (d *Decider) decideWithToolCall(ctx context.Context, utterance string, messages []types.Message, call types.ToolCall, inject InjectFunc) Decision {
	if d.onToolCall != nil {
		d.onToolCall()
	}

	toolResult := d.invokeTool(ctx, call)
	inject.deliver(interstitialVoiceOver + " ")

	followUp := append(append([]types.Message{}, messages...),
		types.Message{Role: "assistant", ToolCalls: []types.ToolCall{call}},
		types.Message{Role: "tool", ToolCallID: call.ID, Content: toolResult},
		types.Message{Role: "user", Content: "Now provide your structured enhancement decision based on the tool results."},
	)

	decision := d.parseDecision(ctx, d.completeText(ctx, followUp), utterance, followUp, true)
	decision.Enhance = true
	if strings.TrimSpace(decision.VoiceOver) == "" || decision.VoiceOver == utterance {
		decision.VoiceOver = fmt.Sprintf("I used the %s tool to help answer your question.", call.Name)
	}
	return decision
}

// invokeTool calls the tool via C4, returning a textual result; any error
// is folded into the textual result itself, matching the reference
// implementation's "Error calling tool: ..." string results fed back to
// the model rather than raised.
func (d *Decider) invokeTool(ctx context.Context, call types.ToolCall) string {
	if d.toolClient == nil {
		return fmt.Sprintf("Error: tool %s not available", call.Name)
	}
	callCtx, cancel := context.WithTimeout(ctx, ToolCallTimeout)
	defer cancel()

	result, err := d.toolClient.Invoke(callCtx, call.Name, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error calling tool: %v", err)
	}
	if result.IsError {
		return fmt.Sprintf("Error: %s", result.Content)
	}
	return result.Content
}

// completeText issues a non-streaming completion and returns its text,
// or "" on error (the caller treats that as a parse failure and falls
// back).
func (d *Decider) completeText(ctx context.Context, messages []types.Message) string {
	resp, err := d.backend.Complete(ctx, llm.CompletionRequest{Messages: messages, Temperature: 0.3})
	if err != nil {
		return ""
	}
	return resp.Content
}

// parseDecision parses raw as the decision JSON object. On failure it
// retries once with an explicit raw-JSON instruction appended to messages;
// if that also fails it returns the plain fallback. forcedEnhance marks a
// post-tool-call follow-up, where the original response is a full
// assistant reply rather than the original utterance.
func (d *Decider) parseDecision(ctx context.Context, raw string, utterance string, messages []types.Message, forcedEnhance bool) Decision {
	if dec, ok := tryParseDecision(raw, utterance); ok {
		return dec
	}

	retryMessages := append(append([]types.Message{}, messages...), types.Message{
		Role:    "user",
		Content: `Respond with JSON: {"enhance": boolean, "displayText": "text", "voiceOverText": "text"}`,
	})
	resp, err := d.backend.Complete(ctx, llm.CompletionRequest{Messages: retryMessages, Temperature: 0.3})
	if err == nil {
		if dec, ok := tryParseDecision(resp.Content, utterance); ok {
			return dec
		}
	}

	fallback := Fallback(utterance)
	if forcedEnhance {
		fallback.Enhance = true
	}
	return fallback
}

// tryParseDecision extracts the first JSON object found in raw and decodes
// it into a Decision. Models sometimes wrap JSON in prose or code fences;
// this tolerates both.
func tryParseDecision(raw string, fallbackText string) (Decision, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return Decision{}, false
	}
	var jd jsonDecision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &jd); err != nil {
		return Decision{}, false
	}
	return jd.toDecision(fallbackText), true
}

// toolDefinitions converts the available tool descriptors into the shape
// the LLM interface expects; returns nil if there is no tool client or it
// has discovered no tools.
func (d *Decider) toolDefinitions() []types.ToolDefinition {
	if d.toolClient == nil {
		return nil
	}
	descriptors := d.toolClient.ListTools()
	if len(descriptors) == 0 {
		return nil
	}
	defs := make([]types.ToolDefinition, 0, len(descriptors))
	for _, desc := range descriptors {
		defs = append(defs, desc.ToDefinition())
	}
	return defs
}

// buildMessages assembles the system prompt (schema + tool list), the last
// DefaultHistoryDepth history turns, and the analysis request for utterance.
func buildMessages(utterance string, history []types.Message, tools []types.ToolDefinition) []types.Message {
	messages := []types.Message{{Role: "system", Content: systemPrompt(tools)}}
	messages = append(messages, recentHistory(history, DefaultHistoryDepth)...)
	messages = append(messages, types.Message{
		Role: "user",
		Content: fmt.Sprintf(`Analyze this voice assistant response and make an enhancement decision:

Original Response: %q

Consider:
1. Should any tools be called to improve this response?
2. Would visual enhancement improve user experience?
3. What's the best voice-over approach?

If tools would help, call them. Then provide your structured enhancement decision.`, utterance),
	})
	return messages
}

func systemPrompt(tools []types.ToolDefinition) string {
	if len(tools) == 0 {
		return fmt.Sprintf(baseSystemPrompt, "No tools currently available.")
	}
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "- **%s**: %s\n", t.Name, t.Description)
	}
	return fmt.Sprintf(baseSystemPrompt, strings.TrimRight(sb.String(), "\n"))
}

// recentHistory returns up to the last k entries of history, in order.
func recentHistory(history []types.Message, k int) []types.Message {
	if len(history) <= k {
		return history
	}
	return history[len(history)-k:]
}
