package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/pkg/audio"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateConnecting is a session that has not received audio or a start
	// message yet. No buffer or detector is allocated.
	StateConnecting State = iota

	// StateStreaming is a session with a live buffer and detector.
	StateStreaming

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the detection loop of one client stream. HandleAudio and
// HandleControl must be called from a single goroutine; Close may be called
// from any goroutine.
type Session struct {
	id         string
	m          *Manager
	out        Sender
	ctx        context.Context
	cancel     context.CancelFunc
	unregister func()
	state      atomic.Int32

	// mu guards everything below. HandleAudio holds it for a whole chunk;
	// Close takes it after cancelling ctx, which unblocks a pending
	// extraction.
	mu        sync.Mutex
	format    audio.Format
	conv      *audio.FormatConverter
	opus      *audio.OpusDecoder
	pending   []float32
	buf       *audio.StreamBuffer
	detector  vad.SessionHandle
	vadCfg    *detect.Config
	telemetry *rate.Limiter
	speaking  bool
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context that is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// send delivers f unless the session has been closed.
func (s *Session) send(ctx context.Context, f Frame) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return s.out.Send(ctx, f)
}

// HandleControl applies one JSON control message. A stop message closes the
// session and returns [ErrSessionClosed]. Invalid messages are answered with
// an error frame and do not end the session.
func (s *Session) HandleControl(ctx context.Context, raw []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.send(ctx, ErrorFrame(fmt.Errorf("%w: %v", ErrInvalidControl, err)))
	}
	if c.Type == ControlStop {
		if err := s.Close(); err != nil {
			slog.Debug("session close after stop", "session", s.id, "err", err)
		}
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	switch c.Type {
	case ControlStart:
		if err := s.start(c); err != nil {
			if errors.Is(err, ErrModelState) {
				return err
			}
			return s.send(ctx, ErrorFrame(err))
		}
		slog.Debug("session stream started", "session", s.id,
			"sample_rate", s.format.SampleRate, "channels", s.format.Channels, "opus", s.opus != nil)
		return nil
	case ControlReset:
		if s.State() == StateStreaming {
			s.buf.Reset()
			s.detector.Reset()
			s.pending = nil
			s.speaking = false
		}
		return nil
	default:
		return s.send(ctx, ErrorFrame(fmt.Errorf("%w: unknown type %q", ErrInvalidControl, c.Type)))
	}
}

// start (re)initialises the stream for the format announced in c. It
// allocates the buffer and detector on the first call and clears them on
// later calls.
func (s *Session) start(c Control) error {
	ac := s.m.audio
	format := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if format.SampleRate == 0 {
		format.SampleRate = ac.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if format.SampleRate < 0 || format.Channels < 1 || format.Channels > 2 {
		return fmt.Errorf("%w: unsupported format %d Hz, %d channels", ErrInvalidControl, format.SampleRate, format.Channels)
	}

	var dec *audio.OpusDecoder
	switch c.Codec {
	case "", CodecPCM16:
	case CodecOpus:
		d, err := audio.NewOpusDecoder(format.SampleRate, format.Channels)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidControl, err)
		}
		dec = d
	default:
		return fmt.Errorf("%w: unsupported codec %q", ErrInvalidControl, c.Codec)
	}

	if s.detector == nil {
		det, err := s.m.vad.NewSession(s.m.store.Load().VAD(ac.SampleRate))
		if err != nil {
			return fmt.Errorf("%w: vad: %w", ErrModelState, err)
		}
		s.detector = det
		s.buf = audio.NewStreamBuffer(ac.SampleRate, ac.BufferSeconds)
	} else {
		s.detector.Reset()
		s.buf.Reset()
	}
	s.vadCfg = s.m.store.Load()
	s.format = format
	s.opus = dec
	s.conv = audio.NewFormatConverter(ac.SampleRate)
	s.pending = nil
	s.speaking = false
	s.telemetry = rate.NewLimiter(rate.Every(ac.TelemetryInterval), 1)
	s.state.Store(int32(StateStreaming))
	return nil
}

// HandleAudio processes one binary chunk: it decodes and buffers the audio,
// runs voice activity detection and, while speech is active, scores the
// window and emits a detection or telemetry frame.
//
// Per-chunk and per-window failures are reported to the client as error
// frames and return nil. A non-nil error means the session cannot continue:
// it is closed, setup failed, or the transport rejected a frame.
func (s *Session) HandleAudio(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateConnecting:
		if err := s.start(Control{Type: ControlStart}); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	samples, ready, err := s.decode(data)
	if err != nil {
		return s.reject(ctx, "invalid", err)
	}
	if !ready {
		return nil
	}
	ac := s.m.audio
	if n := len(samples); n < ac.MinChunkSamples || n > ac.MaxChunkSamples {
		return s.reject(ctx, "size", fmt.Errorf("%w: chunk of %d samples outside [%d, %d]",
			ErrAudioProcessing, n, ac.MinChunkSamples, ac.MaxChunkSamples))
	}
	if err := s.buf.Push(samples); err != nil {
		return s.reject(ctx, "invalid", fmt.Errorf("%w: %w", ErrAudioProcessing, err))
	}
	return s.analyse(ctx)
}

// decode turns one inbound chunk into engine samples. Opus packets are short,
// so their samples are staged until a full minimum chunk is available;
// ready is false while staging.
func (s *Session) decode(data []byte) (samples []float32, ready bool, err error) {
	frame := audio.AudioFrame{Data: data, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
	if s.opus != nil {
		frame, err = s.opus.Decode(data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrAudioProcessing, err)
		}
	}
	samples, err = s.conv.Samples(frame)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrAudioProcessing, err)
	}
	if s.opus == nil {
		return samples, true, nil
	}
	s.pending = append(s.pending, samples...)
	if len(s.pending) < s.m.audio.MinChunkSamples {
		return nil, false, nil
	}
	samples, s.pending = s.pending, nil
	return samples, true, nil
}

func (s *Session) reject(ctx context.Context, reason string, err error) error {
	s.m.metrics.RecordChunkDropped(ctx, reason)
	slog.Warn("audio chunk dropped", "session", s.id, "reason", reason, "err", err)
	return s.send(ctx, ErrorFrame(err))
}

func (s *Session) analyse(ctx context.Context) error {
	cfg := s.m.store.Load()
	if cfg != s.vadCfg {
		if err := s.detector.Reconfigure(cfg.VAD(s.m.audio.SampleRate)); err != nil {
			slog.Warn("vad reconfigure failed", "session", s.id, "err", err)
		}
		s.vadCfg = cfg
	}

	now := s.m.now()
	window := s.buf.Snapshot()
	res := s.detector.Detect(window, now)
	if res.Speaking != s.speaking {
		slog.Debug("speech state changed", "session", s.id, "event", res.Type.String(), "energy", res.Energy)
	}
	s.speaking = res.Speaking

	// Silent windows are reported on every chunk; only scored windows are
	// throttled.
	if !res.Speaking || s.buf.Duration() < s.m.audio.MinSpeech {
		s.m.metrics.RecordWindow(ctx, "silent", -1)
		return s.send(ctx, TelemetryFrame(silentScores(s.m.registry.Embeddings()), false))
	}
	return s.score(ctx, window, res.SpeechStart, cfg)
}

// score runs extraction and scoring for one window on the pool, arbitrates
// and emits the resulting frame.
func (s *Session) score(ctx context.Context, window []float32, speechStart time.Time, cfg *detect.Config) error {
	ctx, span := observe.StartWindowSpan(ctx, s.id, len(window))
	defer span.End()

	keywords := s.m.registry.Embeddings()
	provider := s.m.acoustic
	began := time.Now()
	raw, err := Run(ctx, s.m.pool, func(ctx context.Context) (map[string]float64, error) {
		if len(keywords) == 0 {
			return map[string]float64{}, nil
		}
		features, err := provider.ExtractFeatures(ctx, window)
		if err != nil {
			return nil, err
		}
		return provider.Score(features, keywords)
	})
	dur := time.Since(began).Seconds()

	if err != nil {
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := "error"
		if acoustic.IsTransient(err) {
			kind = "transient"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "window skipped")
		s.m.metrics.RecordProviderError(ctx, "acoustic", kind)
		s.m.metrics.RecordWindow(ctx, "error", dur)
		observe.Logger(ctx).Warn("window skipped", "session", s.id, "err", err)
		return s.send(ctx, ErrorFrame(fmt.Errorf("%w: %w", ErrTransientProcessing, err)))
	}

	now := s.m.now()
	gate := s.m.store.Cooldown()
	d := detect.Decide(raw, gate.Elapsed(now), *cfg)
	if d.Detection != nil && !gate.TryCommit(now, cfg.Cooldown) {
		d.Detection = nil
		d.Outcome = detect.OutcomeSuppressed
	}
	span.SetAttributes(observe.AttrOutcome.String(string(d.Outcome)))
	s.m.metrics.RecordWindow(ctx, string(d.Outcome), dur)
	slog.Debug("window scored", "session", s.id, "outcome", d.Outcome, "took", dur)

	if d.Detection == nil {
		return s.sendTelemetry(ctx, now, d.Normalized)
	}
	return s.commit(ctx, d, speechStart, now)
}

func (s *Session) commit(ctx context.Context, d detect.Decision, speechStart, now time.Time) error {
	det := keyword.Detection{
		Keyword:    d.Detection.Keyword,
		SessionID:  s.id,
		At:         now,
		Confidence: d.Detection.Confidence,
		Gap:        d.Detection.Gap,
	}
	latency := -1.0
	if !speechStart.IsZero() {
		det.Latency = now.Sub(speechStart)
		det.LatencyKnown = true
		latency = det.Latency.Seconds()
	}
	if err := s.m.registry.RecordDetection(det); err != nil {
		slog.Debug("detection not recorded", "session", s.id, "err", err)
	}
	s.m.metrics.RecordDetection(ctx, det.Keyword, latency)
	observe.Logger(ctx).Info("keyword detected",
		"session", s.id,
		"keyword", det.Keyword,
		"confidence", det.Confidence,
		"gap", det.Gap,
		"latency", det.Latency,
	)
	return s.send(ctx, DetectionFrame(det.Keyword, det.Confidence, det.Gap, speechStart, now, d.Normalized))
}

// sendTelemetry sends a scored, speaking frame unless one was sent within the
// telemetry interval.
func (s *Session) sendTelemetry(ctx context.Context, now time.Time, scores map[string]float64) error {
	if !s.telemetry.AllowN(now, 1) {
		return nil
	}
	return s.send(ctx, TelemetryFrame(scores, true))
}

func silentScores(keywords map[string][]float32) map[string]float64 {
	out := make(map[string]float64, len(keywords))
	for name := range keywords {
		out[name] = 0
	}
	return out
}

// Close ends the session, abandons any in-flight extraction and releases
// the buffer and detector. Calling Close more than once is safe and returns
// nil.
func (s *Session) Close() error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	var err error
	if s.detector != nil {
		err = s.detector.Close()
	}
	s.detector = nil
	s.buf = nil
	s.opus = nil
	s.pending = nil
	s.mu.Unlock()

	s.unregister()
	s.m.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session closed", "session", s.id, "active", s.m.tracker.Count())
	return err
}
