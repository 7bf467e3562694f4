// Package observe provides application-wide observability primitives for
// PhishGuard: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all PhishGuard metrics.
const meterName = "github.com/phishguard/phishguard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks end-to-end text analysis latency, including
	// overload retries.
	AnalysisDuration metric.Float64Histogram

	// LabSessionDuration tracks the wall-clock length of vishing lab sessions
	// from activation to termination.
	LabSessionDuration metric.Float64Histogram

	// --- Counters ---

	// Scans counts analysis requests. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	Scans metric.Int64Counter

	// ScanRetries counts overload retries performed during text analysis.
	ScanRetries metric.Int64Counter

	// BlockedCalls counts calls terminated by the blockCall tool.
	BlockedCalls metric.Int64Counter

	// AudioFrames counts audio frames moved across the live transport. Use
	// with attribute: attribute.String("direction", "in"|"out").
	AudioFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts backend provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveLabSessions tracks the number of live vishing lab sessions.
	ActiveLabSessions metric.Int64UpDownCounter

	// PendingPlayback tracks the number of audio sources currently scheduled
	// or playing.
	PendingPlayback metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Text
// analysis calls can take several seconds once overload backoff kicks in.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("phishguard.analysis.duration",
		metric.WithDescription("Latency of text analysis including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LabSessionDuration, err = m.Float64Histogram("phishguard.lab.session.duration",
		metric.WithDescription("Length of vishing lab sessions from activation to termination."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Scans, err = m.Int64Counter("phishguard.scans",
		metric.WithDescription("Total analysis requests by content type and status."),
	); err != nil {
		return nil, err
	}
	if met.ScanRetries, err = m.Int64Counter("phishguard.scan.retries",
		metric.WithDescription("Total overload retries performed during analysis."),
	); err != nil {
		return nil, err
	}
	if met.BlockedCalls, err = m.Int64Counter("phishguard.blocked_calls",
		metric.WithDescription("Total calls terminated by the blockCall tool."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("phishguard.audio.frames",
		metric.WithDescription("Audio frames moved across the live transport by direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("phishguard.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveLabSessions, err = m.Int64UpDownCounter("phishguard.lab.active_sessions",
		metric.WithDescription("Number of live vishing lab sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingPlayback, err = m.Int64UpDownCounter("phishguard.playback.pending",
		metric.WithDescription("Number of audio sources scheduled or playing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("phishguard.http.request.duration",
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

// RecordScan records an analysis request counter increment with the standard
// attribute set.
func (m *Metrics) RecordScan(ctx context.Context, contentType, status string) {
	m.Scans.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", contentType),
			attribute.String("status", status),
		),
	)
}

// RecordBlockedCall records a blockCall termination.
func (m *Metrics) RecordBlockedCall(ctx context.Context) {
	m.BlockedCalls.Add(ctx, 1)
}

// RecordAudioFrame records movement of one audio frame in the given
// direction ("in" for model audio, "out" for captured microphone audio).
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
