// Package app wires the VoxBridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves sessions until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithToolRegistry, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/creds"
	"github.com/voxbridge/voxbridge/internal/gateway"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/internal/tools"
	"github.com/voxbridge/voxbridge/internal/tools/mcpbridge"
	"github.com/voxbridge/voxbridge/pkg/backend"
)

// readHeaderTimeout bounds how long a client may take to send its request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the proxy endpoints.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	provider  backend.Provider
	tools     *tools.Registry
	bridge    *mcpbridge.Bridge
	sessions  *session.Registry
	gateway   *gateway.Gateway
	refresher *creds.Refresher
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a backend provider instead of creating one from the
// config registry.
func WithBackend(p backend.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithToolRegistry injects a prepared tool registry instead of building one
// with the builtins.
func WithToolRegistry(r *tools.Registry) Option {
	return func(a *App) { a.tools = r }
}

// WithRefresher injects a credential refresher, for tests that must not
// touch the instance metadata service.
func WithRefresher(r *creds.Refresher) Option {
	return func(a *App) { a.refresher = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the tool registry
// (builtins plus configured MCP servers), the backend provider from the
// registry, the credential refresher and the WebSocket gateway with its
// operational endpoints.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Tool registry ─────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 2. Backend provider ──────────────────────────────────────────────
	if err := a.initBackend(ctx); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 3. Credential refresher ──────────────────────────────────────────
	if a.refresher == nil {
		a.refresher = creds.New()
	}

	// ── 4. Gateway + HTTP server ─────────────────────────────────────────
	a.sessions = session.NewRegistry()
	a.gateway = gateway.New(gateway.Config{
		Provider:     a.provider,
		Region:       cfg.Backend.Region,
		ModelID:      cfg.Backend.ModelID,
		Tools:        a.tools,
		DefaultVoice: cfg.Audio.VoiceID,
		Sessions:     a.sessions,
		Health:       health.New(a.healthCheckers()...),
	})
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools builds the tool registry from the builtins and the configured
// MCP servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		a.tools = tools.NewRegistry()
		if err := tools.RegisterBuiltins(a.tools); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	bridge := mcpbridge.New()
	a.closers = append(a.closers, bridge.Close)

	cfgs := make([]mcpbridge.ServerConfig, len(a.cfg.MCP.Servers))
	for i, srv := range a.cfg.MCP.Servers {
		cfgs[i] = srv.Bridge()
	}
	if err := bridge.ConnectAll(ctx, cfgs); err != nil {
		return fmt.Errorf("connect mcp servers: %w", err)
	}
	if err := a.tools.RegisterSource(ctx, bridge); err != nil {
		return fmt.Errorf("register mcp tools: %w", err)
	}
	a.bridge = bridge

	slog.Info("registered MCP tools",
		"servers", len(a.cfg.MCP.Servers),
		"tools", a.tools.Len(),
	)
	return nil
}

// initBackend creates the backend provider named in the config unless one
// was injected.
func (a *App) initBackend(ctx context.Context) error {
	if a.provider != nil {
		return nil
	}
	p, err := a.registry.CreateBackend(ctx, a.cfg.Backend)
	if err != nil {
		return err
	}
	a.provider = p
	slog.Info("backend provider created",
		"provider", a.cfg.Backend.Provider,
		"region", a.cfg.Backend.Region,
		"model_id", a.cfg.Backend.ModelID,
	)
	return nil
}

// healthCheckers assembles the diagnostic checks surfaced on /health.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.bridge != nil {
		bridge := a.bridge
		checkers = append(checkers, health.Checker{
			Name: "mcp",
			Check: func(ctx context.Context) error {
				_, err := bridge.List(ctx)
				return err
			},
		})
	}
	return checkers
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the credential refresher and the HTTP server, then blocks until
// ctx is cancelled or the server fails. When ctx is done, Run returns
// context.Canceled; call Shutdown to stop the server.
func (a *App) Run(ctx context.Context) error {
	a.refresher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, closes all live sessions and runs the
// subsystem closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.sessions.Len())

		// Stop accepting connections. Live WebSocket sessions are hijacked
		// from the server and unwind through the registry below.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		a.sessions.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Tools returns the tool registry serving this app's sessions.
func (a *App) Tools() *tools.Registry { return a.tools }

// Sessions returns the registry of live sessions.
func (a *App) Sessions() *session.Registry { return a.sessions }

// Gateway returns the WebSocket gateway, for config reload hooks.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }
