// Package keyword holds the registry of enrolled keywords shared by every
// streaming session.
//
// A keyword is enrolled from one or more IPA pronunciations; its embedding is
// the mean of the pronunciation embeddings produced by the acoustic model and
// is never modified afterwards. Sessions read the embeddings through
// [Registry.Embeddings], which returns an immutable snapshot without
// blocking other readers. Detections are committed back through
// [Registry.RecordDetection].
//
// The registry is in-memory. A [Store] (see [PostgresStore]) persists
// definitions across restarts, and a [Journal] appends detections to it in
// the background.
package keyword

import (
	"strings"
	"time"
)

// DefaultLatencyHistory is the number of recognition latencies kept per
// keyword.
const DefaultLatencyHistory = 256

// Keyword is a read-only copy of one registry entry.
type Keyword struct {
	Name           string
	Pronunciations []string
	// Embedding is shared with the registry and must not be modified.
	Embedding []float32
	ModelID   string

	// LastDetection is zero when the keyword has not fired since it was
	// added or since detection times were last cleared.
	LastDetection time.Time
	Detections    uint64
	// Latencies holds the most recent recognition latencies, oldest first.
	Latencies []time.Duration
}

// Detection is one committed detection, as passed to
// [Registry.RecordDetection].
type Detection struct {
	Keyword    string
	SessionID  string
	At         time.Time
	Confidence float64
	Gap        float64
	// Latency is the time from speech start to detection. It is only
	// meaningful when LatencyKnown is set.
	Latency      time.Duration
	LatencyKnown bool
}

// KeywordStats summarises one keyword's detections. Recognition times are in
// milliseconds and zero when no latency was recorded.
type KeywordStats struct {
	Detections         uint64    `json:"detections"`
	LastDetection      time.Time `json:"-"`
	AvgRecognitionTime float64   `json:"avg_recognition_time"`
	MinRecognitionTime float64   `json:"min_recognition_time"`
	MaxRecognitionTime float64   `json:"max_recognition_time"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	TotalDetections uint64
	// LastDetection is the most recent detection of any keyword, zero when
	// none is recorded.
	LastDetection time.Time
	Keywords      map[string]KeywordStats
}

// entry is the registry's mutable record for one keyword.
type entry struct {
	name           string
	pronunciations []string
	embedding      []float32
	modelID        string

	lastDetection time.Time
	detections    uint64
	latencies     []time.Duration
}

func (e *entry) snapshot() Keyword {
	return Keyword{
		Name:           e.name,
		Pronunciations: append([]string(nil), e.pronunciations...),
		Embedding:      e.embedding,
		ModelID:        e.modelID,
		LastDetection:  e.lastDetection,
		Detections:     e.detections,
		Latencies:      append([]time.Duration(nil), e.latencies...),
	}
}

func (e *entry) stats() KeywordStats {
	ks := KeywordStats{Detections: e.detections, LastDetection: e.lastDetection}
	if len(e.latencies) == 0 {
		return ks
	}
	var sum time.Duration
	lo, hi := e.latencies[0], e.latencies[0]
	for _, l := range e.latencies {
		sum += l
		lo = min(lo, l)
		hi = max(hi, l)
	}
	ks.AvgRecognitionTime = ms(sum) / float64(len(e.latencies))
	ks.MinRecognitionTime = ms(lo)
	ks.MaxRecognitionTime = ms(hi)
	return ks
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// cleanPronunciations trims every pronunciation and drops blank ones.
func cleanPronunciations(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
