// Command kwsd is the keyword-spotting server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/glyphoxa-kws/internal/app"
	"github.com/MrWong99/glyphoxa-kws/internal/config"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic/sidecar"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings/openai"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults plus KWS_* variables when empty)")
	watch := flag.Bool("watch", true, "reload the detection policy and log level when the config file changes")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kwsd", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kwsd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kwsd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger, closeLog := newLogger(cfg.Server, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("kwsd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if p, ok := providers.Acoustic.Provider.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.Ping(pingCtx); err != nil {
			slog.Warn("acoustic backend not reachable yet", "name", providers.Acoustic.Name, "err", err)
		}
		cancel()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevel(level), app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" && *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or the defaults with environment overrides when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Acoustic ──────────────────────────────────────────────────────────────

	reg.RegisterAcoustic("sidecar", func(entry config.ProviderEntry, phones embeddings.Provider) (acoustic.Provider, error) {
		var opts []sidecar.Option
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, sidecar.WithTimeout(d))
		}
		if n := optInt(entry.Options, "sample_rate"); n > 0 {
			opts = append(opts, sidecar.WithSampleRate(n))
		}
		if b, ok := entry.Options["normalize"].(bool); ok {
			opts = append(opts, sidecar.WithNormalize(b))
		}
		return sidecar.New(entry.BaseURL, entry.Model, phones, opts...)
	})

	// ── Phones ────────────────────────────────────────────────────────────────

	reg.RegisterPhones("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if b, ok := entry.Options["normalize"].(bool); ok {
			opts = append(opts, oaembed.WithNormalize(b))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterPhones("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if ka := optString(entry.Options, "keep_alive"); ka != "" {
			opts = append(opts, ollamaembed.WithKeepAlive(ka))
		}
		if b, ok := entry.Options["normalize"].(bool); ok {
			opts = append(opts, ollamaembed.WithNormalize(b))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates the configured providers. The phone encoder is
// optional; acoustic backends that need one report its absence themselves.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	var phones embeddings.Provider
	if name := cfg.Providers.Phones.Name; name != "" {
		p, err := reg.CreatePhones(cfg.Providers.Phones)
		if err != nil {
			return nil, fmt.Errorf("create phones provider %q: %w", name, err)
		}
		phones = p
		slog.Info("provider created", "kind", "phones", "name", name, "model", p.ModelID())
	}

	primary, err := reg.CreateAcoustic(cfg.Providers.Acoustic, phones)
	if err != nil {
		return nil, fmt.Errorf("create acoustic provider %q: %w", cfg.Providers.Acoustic.Name, err)
	}
	ps.Acoustic = app.NamedAcoustic{Name: providerLabel(cfg.Providers.Acoustic, 0), Provider: primary}
	slog.Info("provider created", "kind", "acoustic", "name", cfg.Providers.Acoustic.Name, "model", primary.ModelID())

	for i, entry := range cfg.Providers.AcousticFallbacks {
		p, err := reg.CreateAcoustic(entry, phones)
		if err != nil {
			return nil, fmt.Errorf("create acoustic fallback %q: %w", entry.Name, err)
		}
		ps.AcousticFallbacks = append(ps.AcousticFallbacks, app.NamedAcoustic{Name: providerLabel(entry, i+1), Provider: p})
		slog.Info("provider created", "kind", "acoustic_fallback", "name", entry.Name, "base_url", entry.BaseURL)
	}

	v, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = v
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	return ps, nil
}

// providerLabel names a backend for logs and circuit breaker states. Replicas
// of the same provider are told apart by their position.
func providerLabel(entry config.ProviderEntry, i int) string {
	if i == 0 {
		return entry.Name
	}
	return fmt.Sprintf("%s-%d", entry.Name, i)
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          kwsd, startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Acoustic", cfg.Providers.Acoustic.Name, cfg.Providers.Acoustic.Model)
	printProvider("Phones", cfg.Providers.Phones.Name, cfg.Providers.Phones.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.AcousticFallbacks))
	fmt.Printf("║  Seed keywords   : %-19d ║\n", len(cfg.Keywords))
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "(memory only)")
	}
	if cfg.MCP.Enabled {
		fmt.Printf("║  MCP             : %-19s ║\n", cfg.MCP.Path)
	} else {
		fmt.Printf("║  MCP             : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Threshold       : %-19.2f ║\n", cfg.Detection.Threshold)
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

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. Output goes to stderr and, when a log
// file is configured, to a size-rotated file as well. The returned function
// closes the file.
func newLogger(sc config.ServerConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if sc.LogFile != "" {
		rot := &lumberjack.Logger{
			Filename:   sc.LogFile,
			MaxSize:    sc.LogRotation.MaxSizeMB,
			MaxBackups: sc.LogRotation.MaxBackups,
			MaxAge:     sc.LogRotation.MaxAgeDays,
			Compress:   sc.LogRotation.Compress,
		}
		w = io.MultiWriter(os.Stderr, rot)
		closeFn = func() { _ = rot.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if sc.LogFormat == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration string such as "5s". An absent key yields 0.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := optString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", key, err)
	}
	return d, nil
}
