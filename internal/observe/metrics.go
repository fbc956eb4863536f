// Package observe provides application-wide observability primitives for
// fetchpilot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all fetchpilot metrics.
const meterName = "github.com/MrWong99/fetchpilot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the full agent turn from request to last frame.
	// Use with attribute.String("outcome", ...).
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks model stream latency from request to stream end.
	LLMDuration metric.Float64Histogram

	// FetchDuration tracks guarded outbound HTTP requests.
	FetchDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", "done"|"confirmation"|"error")
	Turns metric.Int64Counter

	// TurnErrors counts failed turns. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("code", ...)
	TurnErrors metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FetchRequests counts outbound requests by outcome. Use with attribute:
	//   attribute.String("outcome", "ok"|"blocked"|"timeout"|"error")
	FetchRequests metric.Int64Counter

	// SignatureChecks counts request signature verifications by result.
	SignatureChecks metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently being processed.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-second upstream calls up to long model streams.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("fetchpilot.turn.duration",
		metric.WithDescription("Latency of a full agent turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("fetchpilot.llm.duration",
		metric.WithDescription("Latency of LLM streaming completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FetchDuration, err = m.Float64Histogram("fetchpilot.fetch.duration",
		metric.WithDescription("Latency of guarded outbound HTTP requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("fetchpilot.turns",
		metric.WithDescription("Total agent turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnErrors, err = m.Int64Counter("fetchpilot.turn.errors",
		metric.WithDescription("Total failed turns by error kind and code."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("fetchpilot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("fetchpilot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FetchRequests, err = m.Int64Counter("fetchpilot.fetch.requests",
		metric.WithDescription("Total outbound fetch attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SignatureChecks, err = m.Int64Counter("fetchpilot.signature.checks",
		metric.WithDescription("Total request signature verifications by result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurns, err = m.Int64UpDownCounter("fetchpilot.active_turns",
		metric.WithDescription("Number of turns currently in progress."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("fetchpilot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a finished turn and its duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordTurnError records a failed turn.
func (m *Metrics) RecordTurnError(ctx context.Context, kind, code string) {
	m.TurnErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("code", code),
		),
	)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFetch records an outbound fetch attempt and its duration.
func (m *Metrics) RecordFetch(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.FetchRequests.Add(ctx, 1, attrs)
	m.FetchDuration.Record(ctx, seconds, attrs)
}

// RecordSignatureCheck records a signature verification result.
func (m *Metrics) RecordSignatureCheck(ctx context.Context, result string) {
	m.SignatureChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
