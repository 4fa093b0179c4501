package keyword

import "context"

// Record is a persisted keyword definition.
type Record struct {
	Name           string
	Pronunciations []string
	Embedding      []float32
	// ModelID identifies the acoustic model that produced Embedding.
	ModelID string
}

// Store persists keyword definitions. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces the definition named rec.Name.
	Save(ctx context.Context, rec Record) error

	// Delete removes the named definition. Deleting a missing name is not an
	// error.
	Delete(ctx context.Context, name string) error

	// Load returns every stored definition ordered by name.
	Load(ctx context.Context) ([]Record, error)
}

func (e *entry) record() Record {
	return Record{
		Name:           e.name,
		Pronunciations: e.pronunciations,
		Embedding:      e.embedding,
		ModelID:        e.modelID,
	}
}

// Seed is a keyword enrolled at startup.
type Seed struct {
	Name           string   `yaml:"name"`
	Pronunciations []string `yaml:"pronunciations"`
}

// DefaultSeeds returns the keywords enrolled when the configuration does not
// list any.
func DefaultSeeds() []Seed {
	return []Seed{
		{Name: "hello", Pronunciations: []string{"həˈloʊ"}},
		{Name: "goodbye", Pronunciations: []string{"ɡʊdˈbaɪ", "ɡʊdˈbaɪ"}},
		{Name: "computer", Pronunciations: []string{"kəmˈpjuːtər"}},
	}
}
