// Package acoustic defines the Provider interface for acoustic keyword models.
//
// An acoustic provider projects both audio windows and pronunciation strings
// into one shared vector space. Keywords are enrolled by embedding their
// pronunciations; live audio is matched by extracting a feature vector from
// the current window and scoring it against every enrolled keyword.
//
// Implementations must be safe for concurrent use.
package acoustic

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a failure confined to one window or one request. The
	// caller may skip the window and continue.
	ErrTransient = errors.New("acoustic: transient failure")

	// ErrDimensionMismatch is returned by Score when a keyword embedding does
	// not match the feature vector length.
	ErrDimensionMismatch = errors.New("acoustic: dimension mismatch")
)

// Provider is the capability the keyword-spotting engine is built around.
type Provider interface {
	// ExtractFeatures returns the feature vector of a mono float32 window at
	// the provider's sample rate. Failures that only affect this window wrap
	// [ErrTransient].
	ExtractFeatures(ctx context.Context, window []float32) ([]float32, error)

	// EmbedPronunciation returns the vector for a single IPA pronunciation.
	EmbedPronunciation(ctx context.Context, text string) ([]float32, error)

	// Score returns one raw, unbounded similarity per keyword.
	Score(features []float32, keywords map[string][]float32) (map[string]float64, error)

	// Dimensions returns the vector length, or 0 when not yet known.
	Dimensions() int

	// ModelID identifies the vector space. Embeddings are only comparable
	// between providers reporting the same ModelID.
	ModelID() string
}

// DotScores scores features against every keyword by dot product.
func DotScores(features []float32, keywords map[string][]float32) (map[string]float64, error) {
	scores := make(map[string]float64, len(keywords))
	for name, emb := range keywords {
		if len(emb) != len(features) {
			return nil, fmt.Errorf("acoustic: score %q: %w: keyword has %d dims, features %d",
				name, ErrDimensionMismatch, len(emb), len(features))
		}
		var dot float64
		for i, x := range features {
			dot += float64(x) * float64(emb[i])
		}
		scores[name] = dot
	}
	return scores, nil
}

// IsTransient reports whether err should skip a single window rather than fail
// the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
