package uiprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
)

func TestNew_RejectsUnknownProviderType(t *testing.T) {
	t.Parallel()
	_, err := New(proto.VisualizationProviderConfig{ProviderType: "bogus"})
	assert.Error(t, err)
}

func TestNew_RejectsMissingAPIKeyEnv(t *testing.T) {
	t.Parallel()
	_, err := New(proto.VisualizationProviderConfig{
		ProviderType: "openai",
		APIKeyEnv:    "GLYPHOXA_TEST_UNSET_KEY_VAR",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GLYPHOXA_TEST_UNSET_KEY_VAR")
}

func TestNew_BuildsThesysProvider(t *testing.T) {
	t.Setenv("THESYS_API_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{ProviderType: "thesys"})
	require.NoError(t, err)
	assert.Equal(t, KindThesys, p.Kind())
}

func TestNew_BuildsOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{ProviderType: "openai"})
	require.NoError(t, err)
	assert.Equal(t, KindOpenAI, p.Kind())
}

func TestNew_BuildsTomorrowProvider(t *testing.T) {
	t.Setenv("TOMORROW_API_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{
		ProviderType: "tomorrow",
		BaseURL:      "https://api.tomorrow.example/v1",
	})
	require.NoError(t, err)
	assert.Equal(t, KindTomorrow, p.Kind())
}

func TestNew_BuildsGoogleProvider(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{ProviderType: "google"})
	require.NoError(t, err)
	assert.Equal(t, KindGoogle, p.Kind())
}

func TestNew_BuildsAnthropicProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{ProviderType: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, KindAnthropic, p.Kind())
}

func TestNew_RespectsCustomAPIKeyEnv(t *testing.T) {
	t.Setenv("MY_CUSTOM_OPENAI_KEY", "sk-test")
	p, err := New(proto.VisualizationProviderConfig{
		ProviderType: "openai",
		APIKeyEnv:    "MY_CUSTOM_OPENAI_KEY",
	})
	require.NoError(t, err)
	assert.Equal(t, KindOpenAI, p.Kind())
}
