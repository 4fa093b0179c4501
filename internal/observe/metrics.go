// Package observe provides application-wide observability primitives for
// kwsd: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kwsd metrics.
const meterName = "github.com/MrWong99/glyphoxa-kws"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// WindowDuration tracks feature extraction plus scoring per window.
	WindowDuration metric.Float64Histogram

	// RecognitionLatency tracks the time from speech start to detection.
	RecognitionLatency metric.Float64Histogram

	// --- Counters ---

	// Detections counts fired keywords. Use with attribute:
	//   attribute.String("keyword", ...)
	Detections metric.Int64Counter

	// Windows counts processed windows. Use with attribute:
	//   attribute.String("outcome", ...)
	Windows metric.Int64Counter

	// ChunksDropped counts rejected audio chunks. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Keywords tracks the number of enrolled keywords.
	Keywords metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-window processing.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// recognitionBuckets covers utterance lengths from a clipped word to a
// long phrase.
var recognitionBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.WindowDuration, err = m.Float64Histogram("kws.window.duration",
		metric.WithDescription("Latency of feature extraction and scoring for one window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionLatency, err = m.Float64Histogram("kws.recognition.latency",
		metric.WithDescription("Time from speech start to keyword detection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recognitionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Detections, err = m.Int64Counter("kws.detections",
		metric.WithDescription("Total keyword detections by keyword."),
	); err != nil {
		return nil, err
	}
	if met.Windows, err = m.Int64Counter("kws.windows",
		metric.WithDescription("Total analysed windows by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("kws.chunks.dropped",
		metric.WithDescription("Total rejected audio chunks by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("kws.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kws.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.Keywords, err = m.Int64UpDownCounter("kws.keywords",
		metric.WithDescription("Number of enrolled keywords."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kws.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWindow records one analysed window with its outcome. dur is the
// extraction plus scoring time in seconds; pass a negative value for windows
// that never reached the provider.
func (m *Metrics) RecordWindow(ctx context.Context, outcome string, dur float64) {
	m.Windows.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if dur >= 0 {
		m.WindowDuration.Record(ctx, dur)
	}
}

// RecordDetection records a fired keyword. latency is the recognition
// latency in seconds, or negative when speech start is unknown.
func (m *Metrics) RecordDetection(ctx context.Context, keyword string, latency float64) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(attribute.String("keyword", keyword)))
	if latency >= 0 {
		m.RecognitionLatency.Record(ctx, latency)
	}
}

// RecordChunkDropped records a rejected audio chunk.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
