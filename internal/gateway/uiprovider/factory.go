package uiprovider

import (
	"fmt"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider/c1"
	"github.com/MrWong99/glyphoxa/internal/gateway/uiprovider/html"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/anyllm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/openai"
)

// defaultAPIKeyEnv returns the fallback environment variable name the
// reference factory uses per provider_type when the configuration omits
// api_key_env, mirroring viz_provider_factory.py's per-provider defaults.
func defaultAPIKeyEnv(kind Kind) string {
	switch kind {
	case KindThesys:
		return "THESYS_API_KEY"
	case KindGoogle:
		return "GOOGLE_API_KEY"
	case KindTomorrow:
		return "TOMORROW_API_KEY"
	case KindAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// New constructs (but does not Initialize) the provider described by cfg.
// The connection registry calls Initialize separately as part of the
// viz_initializing state transition.
func New(cfg proto.VisualizationProviderConfig) (Provider, error) {
	kind := Kind(cfg.ProviderType)
	if !kind.IsValid() {
		return nil, fmt.Errorf("uiprovider: unknown provider_type %q", cfg.ProviderType)
	}

	apiKeyEnv := cfg.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = defaultAPIKeyEnv(kind)
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("uiprovider: api key not found in environment variable %q", apiKeyEnv)
	}

	switch kind {
	case KindThesys:
		return c1.New(apiKey, cfg.BaseURL, cfg.Model), nil

	case KindOpenAI:
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		backend, err := openai.New(apiKey, model, opts...)
		if err != nil {
			return nil, fmt.Errorf("uiprovider: build openai backend: %w", err)
		}
		return html.New(KindOpenAI, backend), nil

	case KindTomorrow:
		// No dedicated Tomorrow AI backend exists in the available LLM
		// providers; Tomorrow speaks an OpenAI-compatible protocol at a
		// custom endpoint, the same way Thesys does.
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		backend, err := openai.New(apiKey, model, opts...)
		if err != nil {
			return nil, fmt.Errorf("uiprovider: build tomorrow backend: %w", err)
		}
		return html.New(KindTomorrow, backend), nil

	case KindGoogle:
		model := cfg.Model
		if model == "" {
			model = "gemini-1.5-flash"
		}
		opts := []anyllmlib.Option{anyllmlib.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		backend, err := anyllm.NewGemini(model, opts...)
		if err != nil {
			return nil, fmt.Errorf("uiprovider: build google backend: %w", err)
		}
		return html.New(KindGoogle, backend), nil

	case KindAnthropic:
		model := cfg.Model
		if model == "" {
			model = "claude-3-5-sonnet-latest"
		}
		opts := []anyllmlib.Option{anyllmlib.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		backend, err := anyllm.NewAnthropic(model, opts...)
		if err != nil {
			return nil, fmt.Errorf("uiprovider: build anthropic backend: %w", err)
		}
		return html.New(KindAnthropic, backend), nil

	default:
		return nil, fmt.Errorf("uiprovider: unhandled provider_type %q", cfg.ProviderType)
	}
}
