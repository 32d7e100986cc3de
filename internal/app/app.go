// Package app wires the gateway's subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// session registry (C1), connection registry (C2), fan-out bus (C3), the
// control-channel handler (C8), and the media-channel handler (C9); Run
// serves HTTP until its context is cancelled, and Shutdown tears everything
// down in order.
//
// For testing, inject test doubles via functional options (WithSessions,
// WithConnections, WithBus, WithBackend). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/gateway/bus"
	"github.com/MrWong99/glyphoxa/internal/gateway/connection"
	"github.com/MrWong99/glyphoxa/internal/gateway/control"
	"github.com/MrWong99/glyphoxa/internal/gateway/media"
	"github.com/MrWong99/glyphoxa/internal/gateway/session"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// DefaultShutdownWait bounds how long Shutdown waits for the HTTP server and
// registered closers to finish.
const DefaultShutdownWait = 10 * time.Second

// SweepInterval is how often Run evicts idle sessions, connections, and bus
// subscriptions, per spec §4.2/§4.3/§5.
const SweepInterval = 5 * time.Minute

// App owns every subsystem's lifetime and exposes the gateway over HTTP.
type App struct {
	cfg *config.Config

	Sessions *session.Registry
	Conns    *connection.Registry
	Bus      *bus.Bus
	Backend  llm.Provider
	Control  *control.Handler
	Media    *media.Handler

	server *http.Server

	// closers are called in order during Shutdown, after the HTTP server
	// has stopped accepting new connections.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessions injects a session registry instead of creating one from config.
func WithSessions(r *session.Registry) Option {
	return func(a *App) { a.Sessions = r }
}

// WithConnections injects a connection registry instead of creating one.
func WithConnections(r *connection.Registry) Option {
	return func(a *App) { a.Conns = r }
}

// WithBus injects a fan-out bus instead of creating one.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.Bus = b }
}

// WithBackend injects the backend LLM instead of constructing one from the
// config's provider registry entry.
func WithBackend(p llm.Provider) Option {
	return func(a *App) { a.Backend = p }
}

// New wires a gateway App together. registry resolves cfg.Providers.LLM into
// a concrete llm.Provider (unless WithBackend already supplied one).
// mediaFactory builds the voice Pipeline for each accepted media offer; see
// internal/gateway/media.Factory.
func New(cfg *config.Config, registry *config.Registry, mediaFactory media.Factory, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.Sessions == nil {
		a.Sessions = session.New(cfg.Server.SessionTTL)
	}
	if a.Conns == nil {
		a.Conns = connection.New(slog.Default())
	}
	if a.Bus == nil {
		a.Bus = bus.New(slog.Default())
	}

	if a.Backend == nil && cfg.Providers.LLM.Name != "" {
		backend, err := registry.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: create backend llm: %w", err)
		}
		a.Backend = backend
	}

	a.Control = control.New(a.Conns, a.Sessions, a.Bus, a.Backend, slog.Default())
	a.Media = media.New(a.Conns, a.Sessions, a.Bus, mediaFactory, slog.Default())

	mux := http.NewServeMux()
	mux.Handle(controlPath(cfg), a.Control)
	mux.Handle(mediaPath(cfg), a.Media)
	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	return a, nil
}

func controlPath(cfg *config.Config) string {
	if cfg.Server.ControlPath != "" {
		return cfg.Server.ControlPath
	}
	return "/ws/control"
}

func mediaPath(cfg *config.Config) string {
	if cfg.Server.MediaPath != "" {
		return cfg.Server.MediaPath
	}
	return "/api/offer"
}

// AddCloser registers a function to be called during Shutdown, in the order
// registered. Used by callers (e.g. cmd/gatewayd) that open additional
// resources (a default tool-server client, a file watcher) outside of New.
func (a *App) AddCloser(closer func(context.Context) error) {
	a.closers = append(a.closers, closer)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. It always returns a non-nil error; http.ErrServerClosed is expected
// on a clean shutdown and is not itself an error condition for the caller.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	go a.runSweeper(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// runSweeper periodically evicts idle sessions (C1), connections (C2), and
// bus subscriptions (C3), per spec §4.2/§4.3/§5. It exits when ctx is
// cancelled, which Run's caller does as part of ordinary shutdown.
func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single eviction pass across all three registries.
func (a *App) sweepOnce(ctx context.Context) {
	for _, id := range a.Conns.Sweep(0) {
		if cc := a.Conns.Get(id); cc != nil {
			a.Conns.Teardown(ctx, cc, a.Bus.Unsubscribe)
		}
	}
	a.Bus.Sweep(0)

	if n := a.Sessions.Sweep(time.Now()); n > 0 {
		slog.Info("app: swept idle sessions", "count", n)
	}
}

// Shutdown stops accepting new HTTP connections, then runs registered
// closers in order, bounded by ctx's deadline (or [DefaultShutdownWait] if
// ctx carries none). Safe to call multiple times; only the first call does
// anything.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultShutdownWait)
			defer cancel()
		}

		if shutdownErr := a.server.Shutdown(ctx); shutdownErr != nil {
			slog.Warn("app: http server shutdown error", "error", shutdownErr)
		}

		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				err = ctx.Err()
				return
			default:
			}
			if closeErr := closer(ctx); closeErr != nil {
				slog.Warn("app: closer failed", "index", i, "error", closeErr)
			}
		}
	})
	return err
}
