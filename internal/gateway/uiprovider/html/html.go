// Package html implements the HTML-style visualization provider: a
// streaming generator that asks an underlying LLM for a JSON object
// carrying an "htmlContent" field, and incrementally yields that field's
// value as it streams in.
//
// Grounded on original_source/backend/app/viz_provider_factory.py's
// OpenAIProvider (the only non-simulated HTML-generating variant in the
// reference implementation) and its utils/prompt_manager.py framework
// prompt fallbacks. The regex-based _extract_html_content_chunk is replaced
// by the shared jsonfield.Scanner.
package html

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/glyphoxa/internal/gateway/jsonfield"
	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// frameworkPrompts mirrors the reference implementation's fallback prompt
// text per ui_framework preference.
var frameworkPrompts = map[string]string{
	"tailwind": `You are a Tailwind CSS generator that creates modern web interfaces.
Use Tailwind utility classes for styling and responsive design.
Include window.genuxSDK event handlers and return JSON with htmlContent field.`,
	"shadcn": `You are a ShadCN component generator that creates professional UI interfaces.
Use ShadCN/UI component patterns with Tailwind CSS and proper design system conventions.
Include window.genuxSDK event handlers and return JSON with htmlContent field.`,
}

// defaultPrompt is used for chakra, mui, bootstrap, inline, and any unknown
// or empty framework hint, matching the reference implementation's
// "openai_html_generator_system" catch-all.
const defaultPrompt = `You are an HTML generator that creates interactive web interfaces.
Create clean HTML with inline styles and window.genuxSDK event handlers for interactivity.
Return JSON with htmlContent field.`

// systemPromptForFramework returns the framework-appropriate base prompt.
func systemPromptForFramework(framework string) string {
	if p, ok := frameworkPrompts[strings.ToLower(framework)]; ok {
		return p
	}
	return defaultPrompt
}

// Provider implements uiprovider.Provider over any llm.Provider backend,
// extracting the "htmlContent" JSON field as it streams.
type Provider struct {
	kind    uiprovider.Kind
	backend llm.Provider
}

var _ uiprovider.Provider = (*Provider)(nil)

// New wraps backend as an HTML-style provider of the given kind. backend
// must already be constructed (credentials resolved by the caller's
// factory); Initialize only validates it is non-nil.
func New(kind uiprovider.Kind, backend llm.Provider) *Provider {
	return &Provider{kind: kind, backend: backend}
}

// Initialize implements uiprovider.Provider.
func (p *Provider) Initialize(_ context.Context) error {
	if p.backend == nil {
		return fmt.Errorf("html: %s provider has no backend", p.kind)
	}
	return nil
}

// StreamResponse implements uiprovider.Provider. The backend is asked to
// produce a single JSON object containing an "htmlContent" string field;
// StreamResponse surfaces only the newly available suffix of that field on
// each chunk, including text of a value whose closing quote has not arrived
// yet; there is no separate flush when the stream ends.
func (p *Provider) StreamResponse(ctx context.Context, messages []types.Message) (<-chan string, error) {
	if p.backend == nil {
		return nil, uiprovider.ErrNotInitialized
	}

	chunks, err := p.backend.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    messages,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("html: stream completion: %w", err)
	}

	out := make(chan string, 32)
	go func() {
		defer close(out)

		scanner := jsonfield.New("htmlContent", 1)
		for chunk := range chunks {
			if chunk.Text == "" {
				continue
			}
			fragment := scanner.Feed(chunk.Text)
			if fragment == "" {
				continue
			}
			select {
			case out <- fragment:
			case <-ctx.Done():
				return
			}
			if scanner.Done() {
				return
			}
		}
	}()
	return out, nil
}

// SystemPrompt implements uiprovider.Provider.
func (p *Provider) SystemPrompt(framework string) string {
	return systemPromptForFramework(framework)
}

// Cleanup implements uiprovider.Provider.
func (p *Provider) Cleanup(_ context.Context) error {
	return nil
}

// Kind implements uiprovider.Provider.
func (p *Provider) Kind() uiprovider.Kind {
	return p.kind
}
