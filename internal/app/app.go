// Package app wires all fetchpilot subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithAuthenticator,
// WithFetchTransport, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fetchpilot/internal/agent"
	"github.com/MrWong99/fetchpilot/internal/auth"
	"github.com/MrWong99/fetchpilot/internal/config"
	"github.com/MrWong99/fetchpilot/internal/fetch"
	"github.com/MrWong99/fetchpilot/internal/health"
	"github.com/MrWong99/fetchpilot/internal/observe"
	"github.com/MrWong99/fetchpilot/internal/stream"
	"github.com/MrWong99/fetchpilot/internal/tools"
	"github.com/MrWong99/fetchpilot/internal/turn"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// ShutdownTimeout bounds the graceful shutdown started by [App.Run] when its
// context is cancelled.
const ShutdownTimeout = 15 * time.Second

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":9121"

// Providers holds the model backend. Populated by main.go via the config
// registry.
type Providers struct {
	// LLM is usually a [resilience.LLMFallback] over the configured entries.
	LLM llm.Provider

	// Name labels provider metrics. Defaults to the primary entry's name.
	Name string
}

// healthReporter is implemented by providers that know whether any backend
// is accepting requests.
type healthReporter interface {
	Healthy() bool
}

// App owns all subsystem lifetimes and serves the agent endpoint.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New.
	metrics    *observe.Metrics
	level      *slog.LevelVar
	executor   *fetch.Executor
	tools      *tools.Registry
	authn      agent.Authenticator
	agent      *agent.Handler
	promHandle http.Handler
	transport  http.RoundTripper
	checkers   []health.Checker
	handler    http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr

	// closers are called in order during Shutdown, after the server stopped.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithAuthenticator replaces the GitHub signature verifier.
func WithAuthenticator(au agent.Authenticator) Option {
	return func(a *App) { a.authn = au }
}

// WithFetchTransport replaces the transport of the fetch executor.
func WithFetchTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.transport = rt }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHandle = h }
}

// WithChecker adds a readiness check to /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: fetch executor and tool
// registry, turn processor, stream driver, signature verifier, agent handler
// and the HTTP mux.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Tools ────────────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 2. Agent ────────────────────────────────────────────────────────
	a.initAgent()

	// ── 3. HTTP routes ──────────────────────────────────────────────────
	a.initRoutes()

	observe.Logger(ctx).Info("app initialised",
		"provider", a.providerName(),
		"tools", len(a.tools.Definitions()),
		"hardened_prompt", cfg.Agent.Hardened(),
		"signature_verification", !cfg.Auth.DisableVerification,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools creates the fetch executor and registers the fetch tool.
func (a *App) initTools() error {
	execOpts := []fetch.Option{fetch.WithMetrics(a.metrics)}
	if a.transport != nil {
		execOpts = append(execOpts, fetch.WithTransport(a.transport))
	}
	a.executor = fetch.NewExecutor(PolicyFromConfig(a.cfg.Fetch), execOpts...)

	reg, err := tools.NewRegistry(fetch.Tool(a.executor))
	if err != nil {
		return err
	}
	a.tools = reg
	return nil
}

// initAgent builds the turn pipeline and the agent handler.
func (a *App) initAgent() {
	if a.authn == nil {
		a.authn = auth.New(auth.Config{
			KeysURL:             a.cfg.Auth.KeysURL,
			DisableVerification: a.cfg.Auth.DisableVerification,
		}, auth.WithMetrics(a.metrics))
	}

	proc := turn.NewProcessor(a.tools, turn.WithHardenedPrompt(a.cfg.Agent.Hardened()))
	drv := stream.NewDriver(a.tools)

	a.agent = agent.New(a.authn, proc, a.providers.LLM, drv,
		agent.WithMetrics(a.metrics),
		agent.WithMaxRequestBytes(a.cfg.Agent.MaxRequestBytes),
		agent.WithProviderName(a.providerName()),
	)
}

// initRoutes registers the agent, health and metrics endpoints.
func (a *App) initRoutes() {
	mux := http.NewServeMux()
	a.agent.Register(mux)

	checkers := append([]health.Checker(nil), a.checkers...)
	if hr, ok := a.providers.LLM.(healthReporter); ok {
		checkers = append(checkers, health.ModelChecker(hr.Healthy))
	}
	health.New(checkers...).Register(mux)

	if a.promHandle == nil {
		a.promHandle = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.promHandle)

	a.handler = observe.Middleware(a.metrics)(mux)
}

func (a *App) providerName() string {
	if a.providers.Name != "" {
		return a.providers.Name
	}
	return a.cfg.Providers.LLM.Name
}

// Handler returns the root HTTP handler, including middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Executor returns the fetch executor.
func (a *App) Executor() *fetch.Executor {
	return a.executor
}

// Addr returns the address the server is listening on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. It has
// the signature of [config.ChangeFunc].
func (a *App) ApplyConfig(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.FetchChanged {
		a.executor.SetPolicy(PolicyFromConfig(d.NewFetch))
		p := a.executor.Policy()
		slog.Info("fetch policy updated",
			"timeout", p.Timeout,
			"max_chars", p.MaxChars,
			"resolve_check", p.ResolveCheck,
		)
	}
}

// PolicyFromConfig converts the fetch section to an executor policy. Zero
// values fall back to the executor defaults.
func PolicyFromConfig(c config.FetchConfig) fetch.Policy {
	return fetch.Policy{
		Timeout:          c.Timeout,
		MaxChars:         c.MaxResponseChars,
		MaxBodyBytes:     c.MaxBodyBytes,
		ResolveCheck:     c.ResolveCheck,
		BlockIPv6Private: c.BlockIPv6Private,
		UserAgent:        c.UserAgent,
	}
}

// SlogLevel maps a config log level to a [slog.Level]. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. On
// cancellation it shuts down gracefully within [ShutdownTimeout] and returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waiting for in-flight turns, then runs the
// closers. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = err
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
