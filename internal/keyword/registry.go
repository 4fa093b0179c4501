package keyword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
)

// Embedder turns one pronunciation into a vector in the acoustic model's
// space. [acoustic.Provider] satisfies it.
type Embedder interface {
	EmbedPronunciation(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithStore persists definitions on Add and Remove and enables
// [Registry.Restore].
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithJournal appends every recorded detection to j.
func WithJournal(j *Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithConfusableChecker reports names that sound like an enrolled keyword as
// Add warnings.
func WithConfusableChecker(c *ConfusableChecker) Option {
	return func(r *Registry) { r.checker = c }
}

// WithLatencyHistory sets how many recognition latencies are kept per
// keyword. Default: [DefaultLatencyHistory].
func WithLatencyHistory(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.latencyHistory = n
		}
	}
}

// WithEmbedConcurrency bounds the number of pronunciations embedded in
// parallel by one Add. Default: 4.
func WithEmbedConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.embedConcurrency = n
		}
	}
}

// WithMetrics sets the instruments used to track the keyword count.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the shared table of enrolled keywords. All methods are safe for
// concurrent use. Reads never wait for an Add's embedding calls; only the
// final insert holds the write lock.
type Registry struct {
	embedder         Embedder
	store            Store
	journal          *Journal
	checker          *ConfusableChecker
	metrics          *observe.Metrics
	latencyHistory   int
	embedConcurrency int

	mu       sync.RWMutex
	entries  map[string]*entry
	pending  map[string]struct{}
	dims     int
	vectors  map[string][]float32 // replaced, never mutated
	total    uint64
	lastSeen time.Time
}

// NewRegistry returns an empty registry that enrolls keywords through
// embedder.
func NewRegistry(embedder Embedder, opts ...Option) *Registry {
	r := &Registry{
		embedder:         embedder,
		latencyHistory:   DefaultLatencyHistory,
		embedConcurrency: 4,
		entries:          make(map[string]*entry),
		pending:          make(map[string]struct{}),
		vectors:          map[string][]float32{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add enrolls name with the given pronunciations. The embedding is the mean
// of the pronunciation embeddings. Blank pronunciations are ignored.
//
// The returned warnings name enrolled keywords that sound similar to name;
// they never prevent enrollment. On error the registry is unchanged.
func (r *Registry) Add(ctx context.Context, name string, pronunciations []string) (Keyword, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Keyword{}, nil, ErrMissingName
	}
	prons := cleanPronunciations(pronunciations)
	if len(prons) == 0 {
		return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, ErrMissingPronunciation)
	}

	enrolled, err := r.reserve(name)
	if err != nil {
		return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, err)
	}
	defer r.release(name)

	var warnings []string
	if r.checker != nil {
		warnings = r.checker.Warnings(name, enrolled)
	}

	emb, err := r.embed(ctx, prons)
	if err != nil {
		return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, err)
	}
	if err := r.checkDims(len(emb)); err != nil {
		return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, err)
	}

	e := &entry{
		name:           name,
		pronunciations: prons,
		embedding:      emb,
		modelID:        r.embedder.ModelID(),
	}
	if r.store != nil {
		if err := r.store.Save(ctx, e.record()); err != nil {
			return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, err)
		}
	}

	if err := r.insert(e); err != nil {
		if r.store != nil {
			if derr := r.store.Delete(context.WithoutCancel(ctx), name); derr != nil {
				slog.Warn("failed to roll back keyword definition", "keyword", name, "err", derr)
			}
		}
		return Keyword{}, nil, fmt.Errorf("keyword: add %q: %w", name, err)
	}

	slog.Info("keyword added", "keyword", name, "pronunciations", len(prons), "dims", len(emb))
	for _, w := range warnings {
		slog.Warn("keyword may be confused", "keyword", name, "warning", w)
	}
	return e.snapshot(), warnings, nil
}

// reserve claims name for an in-flight Add and returns the names enrolled
// at that moment.
func (r *Registry) reserve(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return nil, ErrDuplicateKeyword
	}
	if _, ok := r.pending[name]; ok {
		return nil, ErrDuplicateKeyword
	}
	r.pending[name] = struct{}{}
	return slices.Sorted(maps.Keys(r.entries)), nil
}

func (r *Registry) release(name string) {
	r.mu.Lock()
	delete(r.pending, name)
	r.mu.Unlock()
}

// embed computes the mean embedding of prons, embedding them in parallel.
func (r *Registry) embed(ctx context.Context, prons []string) ([]float32, error) {
	vecs := make([][]float32, len(prons))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.embedConcurrency)
	for i, p := range prons {
		g.Go(func() error {
			v, err := r.embedder.EmbedPronunciation(gctx, p)
			if err != nil {
				return fmt.Errorf("embed %q: %w", p, err)
			}
			if len(v) == 0 {
				return fmt.Errorf("embed %q: empty embedding", p)
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	mean, err := embeddings.Mean(vecs)
	if err != nil {
		if errors.Is(err, embeddings.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
		}
		return nil, err
	}
	return mean, nil
}

func (r *Registry) checkDims(n int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkDimsLocked(n)
}

func (r *Registry) checkDimsLocked(n int) error {
	if r.dims != 0 && n != r.dims {
		return fmt.Errorf("%w: got %d, enrolled keywords have %d", ErrDimensionMismatch, n, r.dims)
	}
	return nil
}

// insert publishes e. The caller holds the reservation for e.name.
func (r *Registry) insert(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.name]; ok {
		return ErrDuplicateKeyword
	}
	if err := r.checkDimsLocked(len(e.embedding)); err != nil {
		return err
	}
	r.entries[e.name] = e
	r.dims = len(e.embedding)
	r.publishLocked()
	if r.metrics != nil {
		r.metrics.Keywords.Add(context.Background(), 1)
	}
	return nil
}

// publishLocked rebuilds the embedding snapshot handed to sessions.
func (r *Registry) publishLocked() {
	v := make(map[string][]float32, len(r.entries))
	for name, e := range r.entries {
		v[name] = e.embedding
	}
	r.vectors = v
}

// Remove deletes name from the registry and, when configured, the store.
// Counters are discarded; a later Add starts fresh.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.RLock()
	_, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("keyword: remove %q: %w", name, ErrUnknownKeyword)
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("keyword: remove %q: %w", name, err)
		}
	}

	r.mu.Lock()
	if _, ok := r.entries[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("keyword: remove %q: %w", name, ErrUnknownKeyword)
	}
	delete(r.entries, name)
	if len(r.entries) == 0 {
		r.dims = 0
	}
	r.publishLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Keywords.Add(ctx, -1)
	}
	slog.Info("keyword removed", "keyword", name)
	return nil
}

// Embeddings returns the current name→embedding table. The map and its
// vectors are shared and must not be modified; a later Add or Remove
// publishes a new map instead of changing this one.
func (r *Registry) Embeddings() map[string][]float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vectors
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() map[string]Keyword {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Keyword, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.snapshot()
	}
	return out
}

// Get returns a copy of the named entry.
func (r *Registry) Get(name string) (Keyword, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Keyword{}, false
	}
	return e.snapshot(), true
}

// List returns every keyword's pronunciations.
func (r *Registry) List() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = append([]string(nil), e.pronunciations...)
	}
	return out
}

// Len returns the number of enrolled keywords.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dimensions returns the embedding length shared by every keyword, or 0 when
// the registry is empty.
func (r *Registry) Dimensions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dims
}

// RecordDetection commits d: it bumps the keyword's counter, sets its last
// detection time and, when known, appends the recognition latency. Returns
// [ErrUnknownKeyword] if the keyword was removed after it was scored.
func (r *Registry) RecordDetection(d Detection) error {
	r.mu.Lock()
	e, ok := r.entries[d.Keyword]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("keyword: record %q: %w", d.Keyword, ErrUnknownKeyword)
	}
	e.detections++
	e.lastDetection = d.At
	if d.LatencyKnown {
		e.latencies = append(e.latencies, d.Latency)
		if over := len(e.latencies) - r.latencyHistory; over > 0 {
			e.latencies = slices.Delete(e.latencies, 0, over)
		}
	}
	r.total++
	if d.At.After(r.lastSeen) {
		r.lastSeen = d.At
	}
	r.mu.Unlock()

	if r.journal != nil {
		r.journal.Record(d)
	}
	return nil
}

// ClearDetectionTimes forgets every keyword's last detection time. Counts
// and latency history are kept.
func (r *Registry) ClearDetectionTimes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.lastDetection = time.Time{}
	}
	r.lastSeen = time.Time{}
}

// Stats summarises every keyword and the registry totals.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		TotalDetections: r.total,
		LastDetection:   r.lastSeen,
		Keywords:        make(map[string]KeywordStats, len(r.entries)),
	}
	for name, e := range r.entries {
		s.Keywords[name] = e.stats()
	}
	return s
}

// Restore loads the definitions held by the store. Definitions embedded by
// the active model are published as stored; the rest are re-embedded from
// their pronunciations and saved back. Names already enrolled are skipped.
// It returns the number of keywords published.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("keyword: restore: %w", err)
	}

	model := r.embedder.ModelID()
	var (
		n    int
		errs []error
	)
	for _, rec := range recs {
		if rec.ModelID == model && len(rec.Embedding) > 0 && len(rec.Pronunciations) > 0 {
			if _, err := r.reserve(rec.Name); err != nil {
				continue
			}
			err := r.insert(&entry{
				name:           rec.Name,
				pronunciations: rec.Pronunciations,
				embedding:      rec.Embedding,
				modelID:        rec.ModelID,
			})
			r.release(rec.Name)
			if err != nil {
				errs = append(errs, fmt.Errorf("keyword: restore %q: %w", rec.Name, err))
				continue
			}
			n++
			continue
		}

		slog.Info("re-embedding stored keyword", "keyword", rec.Name, "stored_model", rec.ModelID, "model", model)
		if _, _, err := r.Add(ctx, rec.Name, rec.Pronunciations); err != nil {
			if errors.Is(err, ErrDuplicateKeyword) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	slog.Info("keywords restored", "count", n, "stored", len(recs))
	return n, errors.Join(errs...)
}

// Enroll adds every seed whose name is not enrolled yet. Seeds that fail are
// reported together; the others are still added. It returns the number of
// keywords added.
func (r *Registry) Enroll(ctx context.Context, seeds []Seed) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, s := range seeds {
		if _, ok := r.Get(s.Name); ok {
			continue
		}
		if _, _, err := r.Add(ctx, s.Name, s.Pronunciations); err != nil {
			if errors.Is(err, ErrDuplicateKeyword) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
