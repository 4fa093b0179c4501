// Package mock provides a test double for the acoustic.Provider interface.
//
// Features can be scripted per call through FeaturesQueue, or computed by
// FeaturesFunc. Setting Gate blocks ExtractFeatures until the channel is
// closed (or the context ends), which lets tests hold an extraction in flight.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
)

// Provider is a mock implementation of acoustic.Provider.
type Provider struct {
	mu sync.Mutex

	// FeaturesQueue is consumed one entry per ExtractFeatures call; the last
	// entry repeats once the queue is down to one.
	FeaturesQueue [][]float32

	// FeaturesFunc, if set, takes precedence over FeaturesQueue.
	FeaturesFunc func(window []float32) ([]float32, error)

	// ExtractErr, if non-nil, is returned by ExtractFeatures.
	ExtractErr error

	// Gate, if non-nil, blocks ExtractFeatures until it is closed. The context
	// is deliberately ignored while waiting so tests can observe an extraction
	// that outlives its caller.
	Gate chan struct{}

	// Started receives one value per ExtractFeatures call that reached the
	// gate, if non-nil.
	Started chan struct{}

	// Pronunciations maps a pronunciation to its embedding.
	Pronunciations map[string][]float32

	// EmbedErr, if non-nil, is returned by EmbedPronunciation.
	EmbedErr error

	// ScoreFunc overrides the default dot-product scoring.
	ScoreFunc func(features []float32, keywords map[string][]float32) (map[string]float64, error)

	DimensionsValue int
	ModelIDValue    string

	// --- Call records ---

	ExtractCalls []int // window lengths
	EmbedCalls   []string
	ScoreCalls   int
}

// ExtractFeatures records the window length and returns the scripted vector.
func (p *Provider) ExtractFeatures(ctx context.Context, window []float32) ([]float32, error) {
	p.mu.Lock()
	p.ExtractCalls = append(p.ExtractCalls, len(window))
	gate, started := p.Gate, p.Started
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExtractErr != nil {
		return nil, p.ExtractErr
	}
	if p.FeaturesFunc != nil {
		return p.FeaturesFunc(window)
	}
	if len(p.FeaturesQueue) == 0 {
		return nil, nil
	}
	v := p.FeaturesQueue[0]
	if len(p.FeaturesQueue) > 1 {
		p.FeaturesQueue = p.FeaturesQueue[1:]
	}
	return append([]float32(nil), v...), nil
}

// EmbedPronunciation records the call and returns Pronunciations[text].
func (p *Provider) EmbedPronunciation(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return append([]float32(nil), p.Pronunciations[text]...), nil
}

// Score records the call and returns ScoreFunc's result or dot products.
func (p *Provider) Score(features []float32, keywords map[string][]float32) (map[string]float64, error) {
	p.mu.Lock()
	p.ScoreCalls++
	fn := p.ScoreFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(features, keywords)
	}
	return acoustic.DotScores(features, keywords)
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

// ExtractCount returns the number of ExtractFeatures calls. Thread-safe.
func (p *Provider) ExtractCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ExtractCalls)
}

// SetFeatures replaces the queue with a single repeating vector. Thread-safe.
func (p *Provider) SetFeatures(v []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FeaturesQueue = [][]float32{v}
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractCalls = nil
	p.EmbedCalls = nil
	p.ScoreCalls = 0
}

var _ acoustic.Provider = (*Provider)(nil)
