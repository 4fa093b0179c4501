// Package detect holds the keyword detection policy: the tunable
// [Config], the pure [Decide] arbitration function and the process-wide
// [Cooldown] gate.
//
// Configuration is published as immutable snapshots through a [ConfigStore];
// a decision always sees one consistent snapshot.
package detect

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// ErrInvalidConfig is returned for out-of-range configuration values.
var ErrInvalidConfig = errors.New("detect: invalid config")

// Config is one immutable snapshot of the detection parameters.
type Config struct {
	// Threshold is the raw score a keyword must exceed to be a candidate.
	Threshold float64
	// MinGap is the margin required between the top candidate and the
	// runner-up.
	MinGap float64
	// Cooldown is the minimum time between two detections, across all
	// sessions.
	Cooldown time.Duration
	// VADThreshold is the mean-square energy above which audio is speech.
	VADThreshold float64
	// VADSilence is how long silence must last before speech ends.
	VADSilence time.Duration
}

// DefaultConfig returns the built-in detection parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.7,
		MinGap:       0.5,
		Cooldown:     500 * time.Millisecond,
		VADThreshold: 0.01,
		VADSilence:   500 * time.Millisecond,
	}
}

// Validate reports every out-of-range field, joined, wrapping
// [ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	if !inUnit(c.Threshold) {
		errs = append(errs, fmt.Errorf("threshold must be in [0, 1], got %v", c.Threshold))
	}
	if !inUnit(c.MinGap) {
		errs = append(errs, fmt.Errorf("min_gap must be in [0, 1], got %v", c.MinGap))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("cooldown must be positive, got %v", c.Cooldown))
	}
	if !(c.VADThreshold > 0) || math.IsInf(c.VADThreshold, 0) {
		errs = append(errs, fmt.Errorf("vad_threshold must be positive, got %v", c.VADThreshold))
	}
	if c.VADSilence <= 0 {
		errs = append(errs, fmt.Errorf("vad_silence must be positive, got %v", c.VADSilence))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// VAD returns the voice activity parameters for a stream at sampleRate.
func (c Config) VAD(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:      sampleRate,
		EnergyThreshold: c.VADThreshold,
		SilenceDuration: c.VADSilence,
	}
}

// View is the external representation of a Config, with durations in
// seconds.
type View struct {
	Threshold    float64 `json:"threshold"`
	Cooldown     float64 `json:"cooldown"`
	MinGap       float64 `json:"min_gap"`
	VADThreshold float64 `json:"vad_threshold"`
	VADSilence   float64 `json:"vad_silence"`
}

// View converts c to its external representation.
func (c Config) View() View {
	return View{
		Threshold:    c.Threshold,
		Cooldown:     c.Cooldown.Seconds(),
		MinGap:       c.MinGap,
		VADThreshold: c.VADThreshold,
		VADSilence:   c.VADSilence.Seconds(),
	}
}

// Patch is a partial update. Nil fields keep their current value; durations
// are in seconds.
type Patch struct {
	Threshold    *float64 `json:"threshold,omitempty" jsonschema:"raw score a keyword must exceed, 0..1"`
	Cooldown     *float64 `json:"cooldown,omitempty" jsonschema:"seconds between detections, > 0"`
	MinGap       *float64 `json:"min_gap,omitempty" jsonschema:"required margin over the runner-up, 0..1"`
	VADThreshold *float64 `json:"vad_threshold,omitempty" jsonschema:"speech energy threshold, > 0"`
	VADSilence   *float64 `json:"vad_silence,omitempty" jsonschema:"seconds of silence that end speech, > 0"`
}

// Apply returns base with p's fields applied. The result is validated; on
// error base is unaffected and the error lists every violated field.
func (p Patch) Apply(base Config) (Config, error) {
	next := base
	if p.Threshold != nil {
		next.Threshold = *p.Threshold
	}
	if p.MinGap != nil {
		next.MinGap = *p.MinGap
	}
	if p.VADThreshold != nil {
		next.VADThreshold = *p.VADThreshold
	}
	if p.Cooldown != nil {
		next.Cooldown = seconds(*p.Cooldown)
	}
	if p.VADSilence != nil {
		next.VADSilence = seconds(*p.VADSilence)
	}
	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

// seconds converts s to a Duration. NaN and negative values map to a
// non-positive duration so validation rejects them.
func seconds(s float64) time.Duration {
	if math.IsNaN(s) || s <= 0 {
		return -1
	}
	if s > math.MaxInt64/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(math.Round(s * float64(time.Second)))
}
