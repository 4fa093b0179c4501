package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"acoustic": {"sidecar"},
	"phones":   {"openai", "ollama"},
	"vad":      {"energy"},
}

// LookupFunc reads an environment variable, like [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Loader decodes configuration files and applies environment overrides.
type Loader struct {
	// Lookup reads override variables. Nil disables overrides.
	Lookup LookupFunc
}

// Load reads the YAML configuration file at path and returns a validated
// [Config], with KWS_* environment overrides applied.
func Load(path string) (*Config, error) {
	return Loader{Lookup: os.LookupEnv}.Load(path)
}

// LoadFromReader decodes a YAML config from r, applies KWS_* environment
// overrides and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Loader{Lookup: os.LookupEnv}.LoadFromReader(r)
}

// Load reads the YAML configuration file at path.
func (l Loader) Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := l.LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes r over [Defaults], so absent keys keep their
// default. An empty document yields the defaults.
func (l Loader) LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if l.Lookup != nil {
		if err := applyEnv(cfg, l.Lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from KWS_* variables. Every malformed value is
// reported.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("KWS_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("KWS_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup("KWS_LOG_FORMAT"); ok {
		cfg.Server.LogFormat = LogFormat(v)
	}
	str("KWS_LOG_FILE", &cfg.Server.LogFile)
	float("KWS_THRESHOLD", &cfg.Detection.Threshold)
	float("KWS_MIN_GAP", &cfg.Detection.MinGap)
	duration("KWS_COOLDOWN", &cfg.Detection.Cooldown)
	float("KWS_VAD_THRESHOLD", &cfg.Detection.VADThreshold)
	duration("KWS_VAD_SILENCE", &cfg.Detection.VADSilence)
	str("KWS_ACOUSTIC_URL", &cfg.Providers.Acoustic.BaseURL)
	str("KWS_PHONES_API_KEY", &cfg.Providers.Phones.APIKey)
	str("KWS_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	boolean("KWS_MCP_ENABLED", &cfg.MCP.Enabled)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_seconds %v must be positive", a.BufferSeconds))
	}
	capacity := int(float64(a.SampleRate) * a.BufferSeconds)
	if a.MinChunkSamples <= 0 || a.MinChunkSamples > a.MaxChunkSamples || a.MaxChunkSamples > capacity {
		errs = append(errs, fmt.Errorf("audio chunk bounds must satisfy 0 < min_chunk_samples (%d) <= max_chunk_samples (%d) <= sample_rate*buffer_seconds (%d)",
			a.MinChunkSamples, a.MaxChunkSamples, capacity))
	}
	if a.MinSpeechSeconds <= 0 || a.MinSpeechSeconds > a.BufferSeconds {
		errs = append(errs, fmt.Errorf("audio.min_speech_seconds %v must be in (0, buffer_seconds]", a.MinSpeechSeconds))
	}
	if a.TelemetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.telemetry_interval %v must be positive", a.TelemetryInterval))
	}
	if a.MaxConcurrentExtractions < 0 {
		errs = append(errs, fmt.Errorf("audio.max_concurrent_extractions %d must not be negative", a.MaxConcurrentExtractions))
	}

	// Detection
	if err := cfg.Detection.Detect().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}

	// Providers
	if cfg.Providers.Acoustic.Name == "" {
		errs = append(errs, errors.New("providers.acoustic.name is required"))
	}
	validateProviderName("acoustic", cfg.Providers.Acoustic.Name)
	for i, fb := range cfg.Providers.AcousticFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.acoustic_fallbacks[%d].name is required", i))
		}
		validateProviderName("acoustic", fb.Name)
	}
	validateProviderName("phones", cfg.Providers.Phones.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Keywords
	seen := make(map[string]int, len(cfg.Keywords))
	for i, k := range cfg.Keywords {
		prefix := fmt.Sprintf("keywords[%d]", i)
		if k.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[k.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of keywords[%d]", prefix, k.Name, prev))
			}
			seen[k.Name] = i
		}
		if !slices.ContainsFunc(k.Pronunciations, func(p string) bool { return strings.TrimSpace(p) != "" }) {
			errs = append(errs, fmt.Errorf("%s.pronunciations must list at least one IPA string", prefix))
		}
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; keywords are kept in memory only")
	}
	if cfg.Store.JournalSize < 0 {
		errs = append(errs, fmt.Errorf("store.journal_size %d must not be negative", cfg.Store.JournalSize))
	}

	// MCP
	if cfg.MCP.Enabled && (cfg.MCP.Path == "" || cfg.MCP.Path[0] != '/') {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
