// Package energy implements an energy-based voice activity detector.
//
// Each window's trailing AnalysisWindow (100 ms by default) is reduced to its
// mean-square energy and compared to a fixed threshold. Entry into speech is
// immediate; exit is debounced by the configured silence duration.
package energy

import (
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/audio"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session in the silent state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a two-state (silent/speaking) detector. Its methods are
// serialised by an internal mutex so Reconfigure may be called from a
// different goroutine than Detect.
type Session struct {
	mu          sync.Mutex
	cfg         vad.Config
	speaking    bool
	speechStart time.Time
	lastActive  time.Time
	closed      bool
}

// Detect implements vad.SessionHandle.
func (s *Session) Detect(window []float32, now time.Time) vad.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := window
	if n := s.cfg.AnalysisSamples(); len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	energy := audio.MeanSquare(tail)
	if s.closed {
		return vad.Result{Type: vad.VADSilence, Energy: energy}
	}
	active := energy > s.cfg.EnergyThreshold

	typ := vad.VADSilence
	switch {
	case active && !s.speaking:
		s.speaking = true
		s.speechStart = now
		s.lastActive = now
		typ = vad.VADSpeechStart
	case active:
		s.lastActive = now
		typ = vad.VADSpeechContinue
	case s.speaking && now.Sub(s.lastActive) > s.cfg.SilenceDuration:
		s.speaking = false
		s.speechStart = time.Time{}
		typ = vad.VADSpeechEnd
	case s.speaking:
		typ = vad.VADSpeechContinue
	}

	return vad.Result{
		Type:        typ,
		Speaking:    s.speaking,
		SpeechStart: s.speechStart,
		Energy:      energy,
	}
}

// Reconfigure implements vad.SessionHandle.
func (s *Session) Reconfigure(cfg vad.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speechStart = time.Time{}
	s.lastActive = time.Time{}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
