package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/app"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/gateway/media"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/mock"
)

func noopMediaFactory(ctx context.Context, sink media.Sink, onClosed func()) (media.Pipeline, error) {
	return nil, nil
}

func TestNew_WiresControlAndMediaHandlers(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: ":0"}}

	a, err := app.New(cfg, config.NewRegistry(), noopMediaFactory, app.WithBackend(&mock.Provider{}))
	require.NoError(t, err)

	assert.NotNil(t, a.Sessions)
	assert.NotNil(t, a.Conns)
	assert.NotNil(t, a.Bus)
	assert.NotNil(t, a.Control)
	assert.NotNil(t, a.Media)
}

func TestNew_UnregisteredLLMProviderFails(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":0"},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "no-such-provider"}},
	}

	_, err := app.New(cfg, config.NewRegistry(), noopMediaFactory)
	require.Error(t, err)
}

func TestNew_DefaultAndOverriddenPaths(t *testing.T) {
	t.Parallel()

	cfgDefault := &config.Config{Server: config.ServerConfig{ListenAddr: ":0"}}
	a, err := app.New(cfgDefault, config.NewRegistry(), noopMediaFactory, app.WithBackend(&mock.Provider{}))
	require.NoError(t, err)
	assert.NotNil(t, a)

	cfgCustom := &config.Config{Server: config.ServerConfig{ListenAddr: ":0", ControlPath: "/custom/control", MediaPath: "/custom/offer"}}
	a2, err := app.New(cfgCustom, config.NewRegistry(), noopMediaFactory, app.WithBackend(&mock.Provider{}))
	require.NoError(t, err)
	assert.NotNil(t, a2)
}

func TestRunAndShutdown_StopsCleanly(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"}}
	a, err := app.New(cfg, config.NewRegistry(), noopMediaFactory, app.WithBackend(&mock.Provider{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()), "Shutdown must be idempotent")
}

func TestShutdown_RunsClosersInOrder(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"}}
	a, err := app.New(cfg, config.NewRegistry(), noopMediaFactory, app.WithBackend(&mock.Provider{}))
	require.NoError(t, err)

	var order []int
	a.AddCloser(func(ctx context.Context) error { order = append(order, 1); return nil })
	a.AddCloser(func(ctx context.Context) error { order = append(order, 2); return nil })

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, []int{1, 2}, order)
}
