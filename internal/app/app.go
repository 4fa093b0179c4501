// Package app wires the keyword-spotting subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetricsHandler, etc.). When an option is not provided, New creates
// real implementations from the config.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphoxa-kws/internal/config"
	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/health"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/mcp"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/internal/resilience"
	"github.com/MrWong99/glyphoxa-kws/internal/server"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// NamedAcoustic is an acoustic backend together with the name it is logged
// and reported under.
type NamedAcoustic struct {
	Name     string
	Provider acoustic.Provider
}

// Providers holds the model backends. Populated by main.go via the config
// registry.
type Providers struct {
	// Acoustic is the primary acoustic model. Required.
	Acoustic NamedAcoustic

	// AcousticFallbacks are replicas of the same model, tried in order
	// when the primary fails.
	AcousticFallbacks []NamedAcoustic

	// VAD creates per-session voice activity detectors. Required.
	VAD vad.Engine
}

// Store is the keyword persistence the app needs: definitions, the
// detection journal and a liveness probe.
type Store interface {
	keyword.Store
	keyword.JournalWriter
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	// Subsystems, initialised in New and torn down in Shutdown.
	acoustic  *resilience.AcousticFallback
	store     Store
	journal   *keyword.Journal
	registry  *keyword.Registry
	detection *detect.ConfigStore
	manager   *session.Manager
	mcp       *mcp.Server
	server    *server.Server
	health    *health.Handler
	http      *http.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// runCancel stops background work started by Run.
	runCancel context.CancelFunc
	runDone   chan struct{}

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a keyword store instead of connecting to PostgreSQL.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the instruments shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevel lets ApplyConfig change the log level of the given variable.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithVersion sets the version reported by the MCP endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection and
// migration, keyword restore and seeding, session manager and HTTP surface
// construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Acoustic.Provider == nil {
		return nil, errors.New("app: an acoustic provider is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a VAD engine is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Acoustic failover ─────────────────────────────────────────────
	if err := a.initAcoustic(); err != nil {
		return nil, fmt.Errorf("app: init acoustic: %w", err)
	}

	// ── 2. Keyword store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Keyword registry ──────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init keywords: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAcoustic wraps the configured backends in a failover group.
func (a *App) initAcoustic() error {
	cb := a.cfg.Providers.CircuitBreaker
	primary := a.providers.Acoustic
	a.acoustic = resilience.NewAcousticFallback(primary.Provider, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		},
	})
	for _, fb := range a.providers.AcousticFallbacks {
		if err := a.acoustic.AddFallback(fb.Name, fb.Provider); err != nil {
			return err
		}
		slog.Info("registered acoustic fallback", "name", fb.Name)
	}
	return nil
}

// initStore connects to PostgreSQL unless a store was injected. Without a
// DSN keywords live in memory only.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			slog.Warn("no postgres_dsn configured, keywords are not persisted")
			return nil
		}
		pool, err := keyword.NewPool(ctx, dsn)
		if err != nil {
			return err
		}
		pg := keyword.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.store = pg
	}
	a.journal = keyword.NewJournal(a.store, a.cfg.Store.JournalSize)
	return nil
}

// initRegistry builds the keyword registry, restores persisted keywords and
// enrolls the configured seeds that are not enrolled yet.
func (a *App) initRegistry(ctx context.Context) error {
	opts := []keyword.Option{
		keyword.WithConfusableChecker(keyword.NewConfusableChecker()),
		keyword.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, keyword.WithStore(a.store), keyword.WithJournal(a.journal))
	}
	a.registry = keyword.NewRegistry(a.acoustic, opts...)

	if _, err := a.registry.Restore(ctx); err != nil {
		slog.Warn("some stored keywords could not be restored", "err", err)
	}

	n, err := a.registry.Enroll(ctx, a.cfg.Keywords)
	if err != nil {
		// A model that is down at startup must not keep the server from
		// coming up; readiness reports the empty registry.
		slog.Error("failed to enroll default keywords", "err", err)
	}
	slog.Info("enrolled seed keywords", "added", n, "total", a.registry.Len())
	return nil
}

// initSessions creates the detection config store and session manager.
func (a *App) initSessions() error {
	store, err := detect.NewConfigStore(a.cfg.Detection.Detect())
	if err != nil {
		return err
	}
	a.detection = store

	ac := a.cfg.Audio
	a.manager, err = session.NewManager(session.ManagerConfig{
		Registry:  a.registry,
		Acoustic:  a.acoustic,
		VAD:       a.providers.VAD,
		Detection: store,
		Audio: session.AudioConfig{
			SampleRate:               ac.SampleRate,
			BufferSeconds:            ac.BufferSeconds,
			MinChunkSamples:          ac.MinChunkSamples,
			MaxChunkSamples:          ac.MaxChunkSamples,
			MinSpeech:                time.Duration(ac.MinSpeechSeconds * float64(time.Second)),
			TelemetryInterval:        ac.TelemetryInterval,
			MaxConcurrentExtractions: ac.MaxConcurrentExtractions,
		},
		Metrics: a.metrics,
		Ready: func() error {
			if !a.acoustic.Healthy() {
				return errors.New("all acoustic backends unavailable")
			}
			return nil
		},
	})
	return err
}

// initServer assembles health checks, the optional MCP endpoint and the
// HTTP server.
func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "keywords", Check: health.RegistryCheck(a.registry)},
		{Name: "acoustic", Check: health.ProviderCheck(a.acoustic)},
	}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: health.PingCheck(a.store)})
	}
	a.health = health.New(checkers...)

	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	if a.cfg.MCP.Enabled {
		a.mcp = mcp.NewServer(a.registry, a.manager, a.version)
		opts = append(opts, server.WithMCP(a.mcp.Handler()))
	}

	sc := a.cfg.Server
	a.server = server.New(server.Config{
		RequestsPerSecond: sc.RateLimit.RequestsPerSecond,
		Burst:             sc.RateLimit.Burst,
		MetricsPath:       a.cfg.Telemetry.MetricsPath,
		MCPPath:           a.cfg.MCP.Path,
		OriginPatterns:    sc.AllowedOrigins,
	}, a.manager, a.registry, opts...)

	a.http = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Registry returns the keyword registry.
func (a *App) Registry() *keyword.Registry { return a.registry }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Addr returns the address the server is listening on, or nil before Run
// has bound its listener.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Ready is closed once Run has bound its listener.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listen address, serves HTTP and drains the detection journal
// until ctx is cancelled or the server fails. Cancelling ctx does not close
// open sessions; call Shutdown for that.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	close(a.ready)

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runCancel = cancel
	a.runDone = make(chan struct{})
	done := a.runDone
	a.mu.Unlock()
	defer close(done)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		tls := a.cfg.Server.TLS
		var err error
		if tls != nil && tls.CertFile != "" {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.store != nil {
		g.Go(func() error { return a.journal.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting; in-flight requests and sessions are handled by
		// Shutdown.
		return a.http.Close()
	})

	slog.Info("server listening", "addr", ln.Addr().String(), "keywords", a.registry.Len())
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next: log level and
// detection policy. Sections that are only read at startup are logged.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DetectionChanged {
		if err := a.manager.ReplaceConfig(d.NewDetection); err != nil {
			slog.Warn("rejected detection config from file", "err", err)
		} else {
			slog.Info("detection config reloaded", "config", d.NewDetection.View())
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
	a.cfg = next
}

// SlogLevel maps a config log level to its slog equivalent.
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown warns and closes every session, stops the HTTP server and the
// journal, then runs the closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.ActiveSessions(), "closers", len(a.closers))

		if err := a.manager.Shutdown(ctx); err != nil {
			slog.Warn("sessions did not finish in time", "err", err)
		}
		if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
		}

		a.mu.Lock()
		cancel, done := a.runCancel, a.runDone
		a.mu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
		}

		// Run closers in order.
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
