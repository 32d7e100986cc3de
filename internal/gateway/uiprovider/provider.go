// Package uiprovider implements the per-connection streaming UI generator
// (the system specification's C5): a polymorphic capability set selected by
// provider kind, producing either a C1-style component-tree envelope or
// framework-flavored HTML.
//
// Grounded on original_source/backend/app/viz_provider_factory.py's
// VisualizationProvider abstract base and its Thesys/OpenAI concrete
// implementations; simulated provider bodies (Google, Tomorrow) are not
// carried over — this package gives every provider_type a real backend.
package uiprovider

import (
	"context"
	"fmt"

	"github.com/MrWong99/glyphoxa/pkg/types"
)

// Kind identifies a visualization provider's wire-configured type.
type Kind string

const (
	KindThesys    Kind = "thesys"
	KindGoogle    Kind = "google"
	KindTomorrow  Kind = "tomorrow"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// IsValid reports whether k is one of the five provider kinds the
// configuration handshake accepts.
func (k Kind) IsValid() bool {
	switch k {
	case KindThesys, KindGoogle, KindTomorrow, KindOpenAI, KindAnthropic:
		return true
	default:
		return false
	}
}

// IsC1Style reports whether k renders a component-tree envelope rather than
// HTML. Only Thesys speaks the C1 component protocol; every other kind
// renders framework HTML.
func (k Kind) IsC1Style() bool {
	return k == KindThesys
}

// Provider is the capability set every visualization backend implements.
// Implementations are selected by Kind and constructed per connection.
type Provider interface {
	// Initialize validates credentials and prepares the backend client.
	Initialize(ctx context.Context) error

	// StreamResponse lazily streams text fragments generated from messages.
	// The channel is closed when generation finishes or ctx is cancelled.
	// Fragments are never reordered and must be concatenated in arrival
	// order by the caller.
	StreamResponse(ctx context.Context, messages []types.Message) (<-chan string, error)

	// SystemPrompt returns the provider's system prompt. framework is a UI
	// framework hint (tailwind, shadcn, chakra, mui, bootstrap, inline);
	// C1-style providers ignore it.
	SystemPrompt(framework string) string

	// Cleanup releases backend resources. Safe to call multiple times.
	Cleanup(ctx context.Context) error

	// Kind reports the provider_type this instance was constructed for.
	Kind() Kind
}

// ErrNotInitialized is returned by StreamResponse when Initialize has not
// yet succeeded.
var ErrNotInitialized = fmt.Errorf("uiprovider: not initialized")
