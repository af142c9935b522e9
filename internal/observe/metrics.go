// Package observe provides application-wide observability primitives for
// tolk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// a Prometheus registry built by [InitProvider]. A package-level default
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

// meterName is the instrumentation scope name used for all tolk metrics.
const meterName = "github.com/MrWong99/tolk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FlushDuration tracks the time from stop request to the response request
	// being sent (decode, convert, append, request).
	FlushDuration metric.Float64Histogram

	// --- Counters ---

	// CapturedSamples counts mono samples sent to the realtime service.
	CapturedSamples metric.Int64Counter

	// Utterances counts flushes that produced outbound audio.
	Utterances metric.Int64Counter

	// ResponsesRendered counts assistant responses handed to the speaker.
	ResponsesRendered metric.Int64Counter

	// DuplicatesSuppressed counts completed items skipped because their id
	// was already rendered.
	DuplicatesSuppressed metric.Int64Counter

	// EmptyPayloads counts completed items whose audio was empty.
	EmptyPayloads metric.Int64Counter

	// RealtimeEvents counts server events received. Use with attribute:
	//   attribute.String("type", ...)
	RealtimeEvents metric.Int64Counter

	// RealtimeConnects counts session connection attempts. Use with attribute:
	//   attribute.String("status", ...)
	RealtimeConnects metric.Int64Counter

	// --- Error counters ---

	// DecodeFailures counts flushes whose captured chunks could not be decoded.
	DecodeFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings is 1 while the microphone is recording.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FlushDuration, err = m.Float64Histogram("tolk.capture.flush.duration",
		metric.WithDescription("Latency from stop to response request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturedSamples, err = m.Int64Counter("tolk.capture.samples",
		metric.WithDescription("Total mono samples sent to the realtime service."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("tolk.capture.utterances",
		metric.WithDescription("Total flushes that sent audio."),
	); err != nil {
		return nil, err
	}
	if met.ResponsesRendered, err = m.Int64Counter("tolk.playback.rendered",
		metric.WithDescription("Total assistant responses played."),
	); err != nil {
		return nil, err
	}
	if met.DuplicatesSuppressed, err = m.Int64Counter("tolk.playback.duplicates",
		metric.WithDescription("Total completed items skipped as already played."),
	); err != nil {
		return nil, err
	}
	if met.EmptyPayloads, err = m.Int64Counter("tolk.playback.empty",
		metric.WithDescription("Total completed items without audio samples."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeEvents, err = m.Int64Counter("tolk.realtime.events",
		metric.WithDescription("Total realtime server events by type."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeConnects, err = m.Int64Counter("tolk.realtime.connects",
		metric.WithDescription("Total realtime connection attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeFailures, err = m.Int64Counter("tolk.capture.decode_failures",
		metric.WithDescription("Total flushes that failed to decode captured chunks."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("tolk.capture.active",
		metric.WithDescription("Number of recordings in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tolk.http.request.duration",
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

// RecordRealtimeEvent increments the realtime event counter for eventType.
func (m *Metrics) RecordRealtimeEvent(ctx context.Context, eventType string) {
	m.RealtimeEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordConnect increments the realtime connect counter with the given status
// ("ok", "error", "circuit_open").
func (m *Metrics) RecordConnect(ctx context.Context, status string) {
	m.RealtimeConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordUtterance records one sent utterance of n samples.
func (m *Metrics) RecordUtterance(ctx context.Context, n int) {
	m.Utterances.Add(ctx, 1)
	m.CapturedSamples.Add(ctx, int64(n))
}
