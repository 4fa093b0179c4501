// Package embeddings defines the Provider interface for phone-string embedding
// backends.
//
// A phone encoder maps a pronunciation written in IPA (e.g. "həˈloʊ") into the
// same vector space the acoustic model projects audio into, so that a keyword
// can be enrolled from text alone. The encoder is usually hosted behind an
// OpenAI-compatible or Ollama embeddings endpoint; see the openai and ollama
// sub-packages.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when vectors that must share a space have
// different lengths.
var ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")

// Provider is the abstraction over any phone-string embedding backend.
//
// All vectors returned by a single Provider share the same dimensionality
// (returned by Dimensions). Vectors from different providers must not be
// compared unless both use the same model.
type Provider interface {
	// Embed computes the embedding of a single pronunciation string. The text
	// is passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several pronunciations in one call. The i-th result
	// corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider,
	// or 0 when it is not yet known.
	Dimensions() int

	// ModelID returns the model identifier (e.g. "clap-ipa-phone").
	ModelID() string
}

// Mean returns the element-wise mean of vecs. All vectors must be non-empty
// and of equal length.
func Mean(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, errors.New("embeddings: mean of no vectors")
	}
	dims := len(vecs[0])
	if dims == 0 {
		return nil, fmt.Errorf("embeddings: mean: %w: empty vector", ErrDimensionMismatch)
	}
	sum := make([]float64, dims)
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("embeddings: mean: %w: vector %d has %d dims, want %d",
				ErrDimensionMismatch, i, len(v), dims)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}
	out := make([]float32, dims)
	n := float64(len(vecs))
	for j, s := range sum {
		out[j] = float32(s / n)
	}
	return out, nil
}

// Normalize scales v to unit L2 length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var ss float64
	for _, x := range v {
		ss += float64(x) * float64(x)
	}
	if ss == 0 {
		return v
	}
	inv := 1 / math.Sqrt(ss)
	for i, x := range v {
		v[i] = float32(float64(x) * inv)
	}
	return v
}
