// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine surfaces a speech/silence detector as a stateful, per-stream
// session. Each session keeps its own state (speaking flag, speech-start and
// last-activity timestamps) so that many concurrent audio streams can be gated
// independently.
//
// Detection is synchronous: Detect returns immediately with the updated state,
// making it suitable for the per-chunk gate in front of feature extraction.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle belongs to one stream and is not shared between
// goroutines unless the implementation documents otherwise.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by NewSession and Reconfigure for unusable
// parameters.
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the sample rate of the windows passed to Detect, in Hz.
	SampleRate int

	// EnergyThreshold is the mean-square energy above which the analysed tail
	// of a window counts as active. Must be > 0. Typical: 0.01.
	EnergyThreshold float64

	// SilenceDuration is how long activity must be absent before an ongoing
	// speech segment ends. Must be > 0. Typical: 500ms.
	SilenceDuration time.Duration

	// AnalysisWindow is the length of the window tail that energy is computed
	// over. Zero means 100ms.
	AnalysisWindow time.Duration
}

// DefaultAnalysisWindow is used when Config.AnalysisWindow is zero.
const DefaultAnalysisWindow = 100 * time.Millisecond

// Validate reports whether cfg can drive a session.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.EnergyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("energy threshold must be positive, got %v", c.EnergyThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("silence duration must be positive, got %v", c.SilenceDuration))
	}
	if c.AnalysisWindow < 0 {
		errs = append(errs, fmt.Errorf("analysis window must not be negative, got %v", c.AnalysisWindow))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// AnalysisSamples returns the number of trailing samples energy is computed
// over.
func (c Config) AnalysisSamples() int {
	w := c.AnalysisWindow
	if w <= 0 {
		w = DefaultAnalysisWindow
	}
	n := int(int64(c.SampleRate) * int64(w) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations.
type SessionHandle interface {
	// Detect analyses the tail of window and advances the speech state machine
	// to now. Speech starts on the first active window and ends once no
	// activity has been seen for longer than the configured silence duration.
	Detect(window []float32, now time.Time) Result

	// Reconfigure replaces the thresholds without touching the current speech
	// state. Returns an error wrapping [ErrInvalidConfig] for bad parameters.
	Reconfigure(cfg Config) error

	// Reset returns the session to the initial silent state.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session in the silent state. Returns an error if the
	// configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
