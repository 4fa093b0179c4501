// Package config provides the configuration schema, loader, and provider
// registry for the keyword-spotting server.
package config

import (
	"time"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Detection DetectionConfig `yaml:"detection"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Keywords  []keyword.Seed  `yaml:"keywords"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel    LogLevel          `yaml:"log_level"`
	LogFormat   LogFormat         `yaml:"log_format"`
	LogFile     string            `yaml:"log_file"`
	LogRotation LogRotationConfig `yaml:"log_rotation"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists host patterns permitted to open a WebSocket from
	// a page on another origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogRotationConfig configures the rotating log file. Ignored when
// ServerConfig.LogFile is empty.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateLimitConfig configures the per-client limiter on management routes.
// RequestsPerSecond <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AudioConfig holds the stream-processing parameters.
type AudioConfig struct {
	SampleRate        int           `yaml:"sample_rate"`
	BufferSeconds     float64       `yaml:"buffer_seconds"`
	MinChunkSamples   int           `yaml:"min_chunk_samples"`
	MaxChunkSamples   int           `yaml:"max_chunk_samples"`
	MinSpeechSeconds  float64       `yaml:"min_speech_seconds"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	// MaxConcurrentExtractions bounds feature extraction across sessions.
	// 0 means GOMAXPROCS.
	MaxConcurrentExtractions int `yaml:"max_concurrent_extractions"`
}

// DetectionConfig is the initial detection policy.
type DetectionConfig struct {
	Threshold    float64       `yaml:"threshold"`
	MinGap       float64       `yaml:"min_gap"`
	Cooldown     time.Duration `yaml:"cooldown"`
	VADThreshold float64       `yaml:"vad_threshold"`
	VADSilence   time.Duration `yaml:"vad_silence"`
}

// Detect converts d to a detection snapshot.
func (d DetectionConfig) Detect() detect.Config {
	return detect.Config{
		Threshold:    d.Threshold,
		MinGap:       d.MinGap,
		Cooldown:     d.Cooldown,
		VADThreshold: d.VADThreshold,
		VADSilence:   d.VADSilence,
	}
}

// ProvidersConfig declares which implementation backs each model. Each entry
// selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	// Acoustic is the primary acoustic model.
	Acoustic ProviderEntry `yaml:"acoustic"`

	// AcousticFallbacks are replicas of the same model tried when the
	// primary fails or its circuit is open.
	AcousticFallbacks []ProviderEntry `yaml:"acoustic_fallbacks"`

	// Phones is the pronunciation encoder used by acoustic backends that
	// delegate IPA embedding.
	Phones ProviderEntry `yaml:"phones"`

	VAD ProviderEntry `yaml:"vad"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-backend breakers. Zero values use the
// breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "sidecar", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// StoreConfig configures keyword persistence.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty keeps keywords
	// in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// JournalSize is the detection journal's queue length.
	JournalSize int `yaml:"journal_size"`
}

// MCPConfig controls the MCP management endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	det := detect.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			LogLevel:   LogInfo,
			LogFormat:  LogFormatText,
			LogRotation: LogRotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 7,
				Compress:   true,
			},
			RateLimit:       RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
			ShutdownTimeout: 15 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			BufferSeconds:     3,
			MinChunkSamples:   1280,
			MaxChunkSamples:   48000,
			MinSpeechSeconds:  0.5,
			TelemetryInterval: 100 * time.Millisecond,
		},
		Detection: DetectionConfig{
			Threshold:    det.Threshold,
			MinGap:       det.MinGap,
			Cooldown:     det.Cooldown,
			VADThreshold: det.VADThreshold,
			VADSilence:   det.VADSilence,
		},
		Providers: ProvidersConfig{
			Acoustic: ProviderEntry{Name: "sidecar", BaseURL: "http://localhost:9000"},
			Phones:   ProviderEntry{Name: "ollama", BaseURL: "http://localhost:11434", Model: "clap-ipa-phone"},
			VAD:      ProviderEntry{Name: "energy"},
		},
		Store:    StoreConfig{JournalSize: 1024},
		Keywords: keyword.DefaultSeeds(),
		MCP:      MCPConfig{Path: "/mcp"},
		Telemetry: TelemetryConfig{
			ServiceName: "kwsd",
			MetricsPath: "/metrics",
		},
	}
}
