// Package c1 implements the Thesys C1-style visualization provider: a
// streaming generator of a small component-tree JSON payload wrapped in a
// <content>...</content> envelope.
//
// Grounded on original_source/backend/app/viz_provider_factory.py's
// ThesysProvider, which talks to the Thesys endpoint through an
// OpenAI-compatible client — adapted here to the teacher's
// pkg/provider/llm/openai.Provider, since Thesys's API is OpenAI-wire-compatible.
package c1

import (
	"context"
	"fmt"

	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/openai"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// DefaultBaseURL is the Thesys visualization endpoint used when the
// connection configuration does not override it.
const DefaultBaseURL = "https://api.thesys.dev/v1/visualize"

// DefaultModel is the Thesys model used when the connection configuration
// does not override it.
const DefaultModel = "c1-nightly"

// systemPrompt mirrors the reference implementation's
// "visualization_system_prompt" fallback text.
const systemPrompt = `You are a UI generation assistant.
Convert text responses into appropriate visual components for display.`

// Provider implements uiprovider.Provider for the Thesys backend.
type Provider struct {
	apiKey  string
	baseURL string
	model   string

	backend llm.Provider
}

var _ uiprovider.Provider = (*Provider)(nil)

// New constructs a Thesys provider. apiKey must be non-empty; baseURL and
// model fall back to DefaultBaseURL/DefaultModel when empty.
func New(apiKey, baseURL, model string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{apiKey: apiKey, baseURL: baseURL, model: model}
}

// Initialize implements uiprovider.Provider.
func (p *Provider) Initialize(_ context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("c1: api key must not be empty")
	}
	backend, err := openai.New(p.apiKey, p.model, openai.WithBaseURL(p.baseURL))
	if err != nil {
		return fmt.Errorf("c1: initialize backend: %w", err)
	}
	p.backend = backend
	return nil
}

// StreamResponse implements uiprovider.Provider. Thesys's model is assumed
// to emit the <content>...</content> envelope itself; fragments are
// forwarded verbatim.
func (p *Provider) StreamResponse(ctx context.Context, messages []types.Message) (<-chan string, error) {
	if p.backend == nil {
		return nil, uiprovider.ErrNotInitialized
	}

	chunks, err := p.backend.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    messages,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("c1: stream completion: %w", err)
	}

	out := make(chan string, 32)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if chunk.Text == "" {
				continue
			}
			select {
			case out <- chunk.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SystemPrompt implements uiprovider.Provider. Thesys ignores the framework
// hint: C1 components are not tied to a client-side CSS framework.
func (p *Provider) SystemPrompt(_ string) string {
	return systemPrompt
}

// Cleanup implements uiprovider.Provider.
func (p *Provider) Cleanup(_ context.Context) error {
	p.backend = nil
	return nil
}

// Kind implements uiprovider.Provider.
func (p *Provider) Kind() uiprovider.Kind {
	return uiprovider.KindThesys
}
