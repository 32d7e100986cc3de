// Command gatewayd is the main entry point for the interaction gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/glyphoxa/internal/app"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/gateway/media"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "gatewayd.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file for provider credentials")
	flag.Parse()

	_ = godotenv.Load(*envPath) // missing .env is not an error

	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gatewayd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gatewayd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Metrics ──────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "gatewayd"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}

	// ── Provider registry ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	// ── Application wiring ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, reg, unconfiguredMediaPipeline)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.AddCloser(func(ctx context.Context) error {
		return shutdownMetrics(ctx)
	})

	slog.Info("server ready", "control_path", cfg.Server.ControlPath, "media_path", cfg.Server.MediaPath, "metrics_path", "/metrics")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ──────────────────────────────────────────────────────────

// registerBuiltinProviders registers the any-llm-go backed constructors for
// every provider name config.ValidProviderNames advertises, so cfg.Providers.LLM
// resolves without a bespoke factory per vendor.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range config.ValidProviderNames {
		name := name
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(name, entry.Model, providerOptions(entry)...)
		})
	}
}

// providerOptions translates a static provider entry into any-llm-go
// options. An explicit api_key wins over api_key_env; if neither is set,
// any-llm-go falls back to the provider's own environment variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func providerOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	switch {
	case entry.APIKey != "":
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	case entry.APIKeyEnv != "":
		if key := os.Getenv(entry.APIKeyEnv); key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// unconfiguredMediaPipeline is the media.Factory used until a concrete voice
// pipeline (STT/LLM/TTS/VAD) is wired in; it is an external collaborator per
// spec §1 and is intentionally not implemented in this repository. Replace
// this with a real factory (e.g. one dialing a pipecat-style service) before
// accepting production media offers.
func unconfiguredMediaPipeline(ctx context.Context, sink media.Sink, onClosed func()) (media.Pipeline, error) {
	return nil, errors.New("gatewayd: no media pipeline factory configured")
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     Gateway daemon — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Backend LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
