// Package observe provides observability primitives for the enhancement
// client: OpenTelemetry metrics, distributed tracing, structured logging
// helpers, and HTTP middleware for the daemon's own endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/kvasirlabs/enhancelink"

// Request outcome attribute values recorded on the requests counter. One
// outcome is recorded per SendRequest call.
const (
	OutcomeSuccess      = "success"
	OutcomeCacheHit     = "cache_hit"
	OutcomeBlocked      = "circuit_blocked"
	OutcomeConnectError = "connect_error"
	OutcomeError        = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the client. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RequestDuration tracks end-to-end SendRequest latency, including cache
	// hits and fast-fails. Use with attributes:
	//   attribute.String("server", ...), attribute.String("outcome", ...)
	RequestDuration metric.Float64Histogram

	// Requests counts SendRequest calls by server and outcome.
	Requests metric.Int64Counter

	// HealthProbes counts connection-pool health probes by server and status.
	HealthProbes metric.Int64Counter

	// BreakerTransitions counts circuit breaker state transitions. Use with
	// attributes:
	//   attribute.String("server", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// ConnectedServers tracks the number of servers whose connection is
	// currently in the connected state.
	ConnectedServers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks the daemon's own HTTP endpoint latency.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// enhancement-server round-trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RequestDuration, err = m.Float64Histogram("enhancelink.client.request.duration",
		metric.WithDescription("End-to-end enhancement request latency by server and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("enhancelink.client.requests",
		metric.WithDescription("Total enhancement requests by server and outcome."),
	); err != nil {
		return nil, err
	}
	if met.HealthProbes, err = m.Int64Counter("enhancelink.pool.health_probes",
		metric.WithDescription("Total connection health probes by server and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("enhancelink.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by server and new state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedServers, err = m.Int64UpDownCounter("enhancelink.pool.connected_servers",
		metric.WithDescription("Number of servers with a connection in the connected state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("enhancelink.http.request.duration",
		metric.WithDescription("Daemon HTTP endpoint latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordRequest records one SendRequest outcome with its latency.
func (m *Metrics) RecordRequest(ctx context.Context, server, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, seconds, attrs)
}

// RecordHealthProbe records one connection health probe result.
func (m *Metrics) RecordHealthProbe(ctx context.Context, server string, healthy bool) {
	status := "ok"
	if !healthy {
		status = "fail"
	}
	m.HealthProbes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records one circuit breaker state transition.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, server, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("state", state),
		),
	)
}

// AddConnected adjusts the connected-servers gauge by delta.
func (m *Metrics) AddConnected(ctx context.Context, delta int64) {
	m.ConnectedServers.Add(ctx, delta)
}
