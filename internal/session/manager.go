// Package session runs the per-connection keyword-spotting loop.
//
// A [Manager] owns the resources shared by every stream (keyword registry,
// acoustic provider, detection config, extraction pool) and opens one
// [Session] per client connection. A Session is transport-agnostic: the
// caller feeds it binary audio chunks and JSON control messages, and it
// answers through a [Sender] with result and log frames.
//
// Chunks of one session are processed strictly in arrival order by the
// caller's goroutine. Feature extraction runs on the shared [Pool]; closing
// a session abandons its in-flight extraction without waiting for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/pkg/audio"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// AudioConfig holds the stream parameters shared by all sessions.
type AudioConfig struct {
	// SampleRate is the engine rate every stream is converted to.
	SampleRate int

	// BufferSeconds is the length of the rolling analysis window.
	BufferSeconds float64

	// MinChunkSamples and MaxChunkSamples bound a chunk's length in engine
	// samples. Chunks outside the bounds are rejected.
	MinChunkSamples int
	MaxChunkSamples int

	// MinSpeech is how much audio must be buffered before a window is scored.
	MinSpeech time.Duration

	// TelemetryInterval is the minimum spacing of score-only frames.
	TelemetryInterval time.Duration

	// MaxConcurrentExtractions bounds the extraction pool. Zero uses
	// GOMAXPROCS.
	MaxConcurrentExtractions int
}

// DefaultAudioConfig returns the engine defaults: 16 kHz, a 3 s window,
// chunks of 80 ms to 3 s, 0.5 s of audio before scoring and telemetry at
// most every 100 ms.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:        audio.DefaultSampleRate,
		BufferSeconds:     3.0,
		MinChunkSamples:   1280,
		MaxChunkSamples:   3 * audio.DefaultSampleRate,
		MinSpeech:         500 * time.Millisecond,
		TelemetryInterval: 100 * time.Millisecond,
	}
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Registry is the shared keyword table. Required.
	Registry *keyword.Registry

	// Acoustic scores windows against keywords. A nil provider makes every
	// Open fail with [ErrModelState].
	Acoustic acoustic.Provider

	// VAD creates the per-session voice activity detectors. Required.
	VAD vad.Engine

	// Detection holds the live detection policy and global cooldown.
	// Required.
	Detection *detect.ConfigStore

	// Audio holds the stream parameters. Zero fields take the defaults.
	Audio AudioConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Ready, if set, is consulted by Open. A non-nil error refuses the
	// session with [ErrModelState].
	Ready func() error

	// Now overrides the clock used for VAD, cooldown and telemetry pacing.
	Now func() time.Time
}

// Manager opens sessions and applies management operations that affect all
// of them. All methods are safe for concurrent use.
type Manager struct {
	registry *keyword.Registry
	acoustic acoustic.Provider
	vad      vad.Engine
	store    *detect.ConfigStore
	audio    AudioConfig
	metrics  *observe.Metrics
	ready    func() error
	now      func() time.Time

	pool    *Pool
	tracker *Tracker
}

// Stats combines the registry statistics with the live session count.
type Stats struct {
	keyword.Stats
	ActiveSessions int
}

// GlobalStatsView is the engine-wide part of [StatsView].
type GlobalStatsView struct {
	TotalDetections uint64  `json:"total_detections"`
	LastDetection   float64 `json:"last_detection"`
	ActiveSessions  int     `json:"active_sessions"`
}

// KeywordStatsView is one keyword's entry in [StatsView]. Recognition times
// are in milliseconds.
type KeywordStatsView struct {
	Detections         uint64  `json:"detections"`
	LastDetection      float64 `json:"last_detection"`
	AvgRecognitionTime float64 `json:"avg_recognition_time"`
	MinRecognitionTime float64 `json:"min_recognition_time"`
	MaxRecognitionTime float64 `json:"max_recognition_time"`
}

// StatsView is the external representation of [Stats]. Times are Unix
// seconds, 0 when unset.
type StatsView struct {
	Global   GlobalStatsView             `json:"global"`
	Keywords map[string]KeywordStatsView `json:"keywords"`
}

// View converts st to its external representation.
func (st Stats) View() StatsView {
	v := StatsView{
		Global: GlobalStatsView{
			TotalDetections: st.TotalDetections,
			LastDetection:   unixOrZero(st.LastDetection),
			ActiveSessions:  st.ActiveSessions,
		},
		Keywords: make(map[string]KeywordStatsView, len(st.Keywords)),
	}
	for name, ks := range st.Keywords {
		v.Keywords[name] = KeywordStatsView{
			Detections:         ks.Detections,
			LastDetection:      unixOrZero(ks.LastDetection),
			AvgRecognitionTime: ks.AvgRecognitionTime,
			MinRecognitionTime: ks.MinRecognitionTime,
			MaxRecognitionTime: ks.MaxRecognitionTime,
		}
	}
	return v
}

func unixOrZero(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return unixSeconds(t)
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if cfg.Detection == nil {
		errs = append(errs, errors.New("detection config store is required"))
	}
	ac := withAudioDefaults(cfg.Audio)
	if ac.MinChunkSamples > ac.MaxChunkSamples {
		errs = append(errs, fmt.Errorf("min chunk samples %d exceeds max %d", ac.MinChunkSamples, ac.MaxChunkSamples))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("session: new manager: %w", errors.Join(errs...))
	}

	m := &Manager{
		registry: cfg.Registry,
		acoustic: cfg.Acoustic,
		vad:      cfg.VAD,
		store:    cfg.Detection,
		audio:    ac,
		metrics:  cfg.Metrics,
		ready:    cfg.Ready,
		now:      cfg.Now,
		pool:     NewPool(ac.MaxConcurrentExtractions),
		tracker:  NewTracker(),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func withAudioDefaults(c AudioConfig) AudioConfig {
	d := DefaultAudioConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.BufferSeconds <= 0 {
		c.BufferSeconds = d.BufferSeconds
	}
	if c.MinChunkSamples <= 0 {
		c.MinChunkSamples = c.SampleRate * d.MinChunkSamples / d.SampleRate
	}
	if c.MaxChunkSamples <= 0 {
		c.MaxChunkSamples = int(float64(c.SampleRate) * c.BufferSeconds)
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = d.MinSpeech
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = d.TelemetryInterval
	}
	return c
}

// Open creates a session in the connecting state. It fails with
// [ErrModelState] when no acoustic model can serve the session. The session
// ends when ctx is cancelled or [Session.Close] is called.
func (m *Manager) Open(ctx context.Context, out Sender) (*Session, error) {
	if m.acoustic == nil {
		return nil, fmt.Errorf("%w: no acoustic provider configured", ErrModelState)
	}
	if m.ready != nil {
		if err := m.ready(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelState, err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     uuid.NewString(),
		m:      m,
		out:    out,
		ctx:    sctx,
		cancel: cancel,
	}
	s.state.Store(int32(StateConnecting))
	s.unregister = m.tracker.Register(s)
	context.AfterFunc(sctx, func() { _ = s.Close() })

	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session opened", "session", s.id, "active", m.tracker.Count())
	return s, nil
}

// UpdateConfig applies p to the detection policy. A successful update also
// clears every keyword's last detection time and the global cooldown. On
// error nothing changes.
func (m *Manager) UpdateConfig(p detect.Patch) (detect.Config, error) {
	cfg, err := m.store.Update(p)
	if err != nil {
		return cfg, err
	}
	m.registry.ClearDetectionTimes()
	return cfg, nil
}

// ReplaceConfig publishes cfg wholesale with the same side effects as
// UpdateConfig.
func (m *Manager) ReplaceConfig(cfg detect.Config) error {
	if err := m.store.Replace(cfg); err != nil {
		return err
	}
	m.registry.ClearDetectionTimes()
	return nil
}

// Config returns the current detection policy.
func (m *Manager) Config() detect.Config { return *m.store.Load() }

// ActiveSessions returns the number of open sessions.
func (m *Manager) ActiveSessions() int { return m.tracker.Count() }

// Stats returns registry statistics plus the live session count.
func (m *Manager) Stats() Stats {
	return Stats{Stats: m.registry.Stats(), ActiveSessions: m.tracker.Count()}
}

// Shutdown warns every session, closes them and waits for their cleanup
// until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	warned := m.tracker.WarnAll(ctx, "server shutting down")
	closed := m.tracker.CloseAll()
	slog.Info("closing sessions", "warned", warned, "closed", closed)
	if !m.tracker.Wait(ctx) {
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
	return nil
}
