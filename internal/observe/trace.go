package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the kwsd tracer.
const tracerName = "github.com/MrWong99/glyphoxa-kws"

// Span attribute keys used by the detection pipeline.
const (
	AttrSessionID = attribute.Key("session.id")
	AttrSamples   = attribute.Key("samples")
	AttrOutcome   = attribute.Key("outcome")
)

// WindowSpanName names the span covering extraction, scoring and
// arbitration of one analysis window.
const WindowSpanName = "kws.window"

// Tracer returns the package-level [trace.Tracer] for kwsd. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartWindowSpan starts the span for one scored window of sessionID. The
// caller sets [AttrOutcome] once the window has been arbitrated.
func StartWindowSpan(ctx context.Context, sessionID string, samples int) (context.Context, trace.Span) {
	return StartSpan(ctx, WindowSpanName, trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrSamples.Int(samples),
	))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
