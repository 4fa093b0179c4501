// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned phone embeddings without a live encoder
// and to verify which pronunciations were submitted.
//
// Example:
//
//	p := &mock.Provider{
//	    Vectors:         map[string][]float32{"həˈloʊ": {1, 0}},
//	    DimensionsValue: 2,
//	}
//	vec, _ := p.Embed(ctx, "həˈloʊ")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps a text to the vector Embed returns for it. Texts without an
	// entry get EmbedResult.
	Vectors map[string][]float32

	// EmbedResult is returned for texts not present in Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every text embedded, including those of EmbedBatch.
	EmbedCalls []EmbedCall

	// EmbedBatchCallCount is the number of times EmbedBatch was called.
	EmbedBatchCallCount int
}

func (p *Provider) lookup(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return append([]float32(nil), v...)
	}
	return append([]float32(nil), p.EmbedResult...)
}

// Embed records the call and returns the configured vector or EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.lookup(text), nil
}

// EmbedBatch records the call and returns one configured vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCallCount++
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
		out[i] = p.lookup(text)
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Texts returns the embedded texts in call order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.EmbedCalls))
	for i, c := range p.EmbedCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCallCount = 0
}

var _ embeddings.Provider = (*Provider)(nil)
