package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AcousticFactory builds an acoustic provider. phones is the configured
// pronunciation encoder, or nil when none is configured.
type AcousticFactory func(entry ProviderEntry, phones embeddings.Provider) (acoustic.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	acoustic map[string]AcousticFactory
	phones   map[string]func(ProviderEntry) (embeddings.Provider, error)
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		acoustic: make(map[string]AcousticFactory),
		phones:   make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterAcoustic registers an acoustic provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAcoustic(name string, factory AcousticFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acoustic[name] = factory
}

// RegisterPhones registers a pronunciation encoder factory under name.
func (r *Registry) RegisterPhones(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phones[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateAcoustic instantiates an acoustic provider using the factory
// registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAcoustic(entry ProviderEntry, phones embeddings.Provider) (acoustic.Provider, error) {
	r.mu.RLock()
	factory, ok := r.acoustic[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: acoustic/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, phones)
}

// CreatePhones instantiates a pronunciation encoder using the factory
// registered under entry.Name.
func (r *Registry) CreatePhones(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.phones[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: phones/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
