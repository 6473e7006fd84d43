// Package observe provides application-wide observability primitives for
// VoxBridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VoxBridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SessionDuration tracks the lifetime of a conversation session from
	// successful initialization to close.
	SessionDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler execution latency. Use with
	// attribute.String("tool", ...).
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// EgressEvents counts backend events enqueued for the client, by event
	// name.
	EgressEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// QueueDrops counts records dropped on queue overflow. Use with
	// attribute.String("queue", "ingress"|"egress").
	QueueDrops metric.Int64Counter

	// BackendErrors counts backend faults by kind
	// (decode, validation, receive, send).
	BackendErrors metric.Int64Counter

	// CredentialRefreshes counts ambient credential refresh attempts. Use
	// with attribute.String("status", "ok"|"error").
	CredentialRefreshes metric.Int64Counter

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request- and tool-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// conversation lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxbridge.session.duration",
		metric.WithDescription("Lifetime of a conversation session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxbridge.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EgressEvents, err = m.Int64Counter("voxbridge.egress.events",
		metric.WithDescription("Total backend events enqueued for the client, by event name."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("voxbridge.queue.drops",
		metric.WithDescription("Total records dropped on queue overflow, by queue."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("voxbridge.backend.errors",
		metric.WithDescription("Total backend faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.CredentialRefreshes, err = m.Int64Counter("voxbridge.credential.refreshes",
		metric.WithDescription("Total ambient credential refresh attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
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

// SessionStarted records a session becoming active.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records a session closing after the given lifetime.
func (m *Metrics) SessionEnded(ctx context.Context, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordToolExecution records one tool handler execution time.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, seconds float64) {
	m.ToolExecutionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordQueueDrop records one record dropped from the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordBackendError records one backend fault of the given kind.
func (m *Metrics) RecordBackendError(ctx context.Context, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEgressEvent records one backend event enqueued for the client.
func (m *Metrics) RecordEgressEvent(ctx context.Context, event string) {
	m.EgressEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordCredentialRefresh records one credential refresh attempt.
func (m *Metrics) RecordCredentialRefresh(ctx context.Context, status string) {
	m.CredentialRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
