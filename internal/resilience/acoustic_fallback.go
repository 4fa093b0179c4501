package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
)

// ErrModelMismatch is returned by [AcousticFallback.AddFallback] when the
// fallback embeds into a different vector space than the primary.
var ErrModelMismatch = errors.New("resilience: acoustic fallback model mismatch")

// AcousticFallback implements [acoustic.Provider] with failover across
// replicas of the same acoustic model. Each replica has its own circuit
// breaker. Failures that exhaust the group are reported as
// [acoustic.ErrTransient] so a session only skips the affected window.
type AcousticFallback struct {
	group *FallbackGroup[acoustic.Provider]
}

var _ acoustic.Provider = (*AcousticFallback)(nil)

// NewAcousticFallback creates an [AcousticFallback] with primary as the
// preferred replica.
func NewAcousticFallback(primary acoustic.Provider, primaryName string, cfg FallbackConfig) *AcousticFallback {
	return &AcousticFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another replica. Replicas must report the same
// ModelID as the primary, otherwise enrolled keyword embeddings would not be
// comparable to their features.
func (f *AcousticFallback) AddFallback(name string, p acoustic.Provider) error {
	if want, got := f.group.Primary().ModelID(), p.ModelID(); want != got {
		return fmt.Errorf("%w: %q serves %q, primary serves %q", ErrModelMismatch, name, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// ExtractFeatures tries each healthy replica in order.
func (f *AcousticFallback) ExtractFeatures(ctx context.Context, window []float32) ([]float32, error) {
	vec, err := ExecuteWithResult(f.group, func(p acoustic.Provider) ([]float32, error) {
		return p.ExtractFeatures(ctx, window)
	})
	return vec, transient(err)
}

// EmbedPronunciation tries each healthy replica in order.
func (f *AcousticFallback) EmbedPronunciation(ctx context.Context, text string) ([]float32, error) {
	vec, err := ExecuteWithResult(f.group, func(p acoustic.Provider) ([]float32, error) {
		return p.EmbedPronunciation(ctx, text)
	})
	return vec, transient(err)
}

// Score delegates to the primary; scoring is local arithmetic.
func (f *AcousticFallback) Score(features []float32, keywords map[string][]float32) (map[string]float64, error) {
	return f.group.Primary().Score(features, keywords)
}

// Dimensions implements acoustic.Provider.
func (f *AcousticFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID implements acoustic.Provider.
func (f *AcousticFallback) ModelID() string { return f.group.Primary().ModelID() }

// Healthy reports whether any replica's breaker is not open.
func (f *AcousticFallback) Healthy() bool { return f.group.Healthy() }

// States reports each replica's breaker state.
func (f *AcousticFallback) States() map[string]State { return f.group.States() }

func transient(err error) error {
	if err == nil || acoustic.IsTransient(err) {
		return err
	}
	if errors.Is(err, ErrAllFailed) || errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", acoustic.ErrTransient, err)
	}
	return err
}
