// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-ai/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end conversation turn latency.
	TurnDuration metric.Float64Histogram

	// GatewayCallDuration tracks latency of individual LLM backend calls.
	GatewayCallDuration metric.Float64Histogram

	// ToolExecutionDuration tracks backend tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// GatewayRequests counts LLM backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...), attribute.String("status", ...)
	GatewayRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BudgetOutcomes counts Budget Gate decisions. Use with attribute:
	//   attribute.String("outcome", ...) — pass, downgrade, paywall, signin
	BudgetOutcomes metric.Int64Counter

	// MemoryRequests counts turns terminated with a memory_request event.
	MemoryRequests metric.Int64Counter

	// GatewayErrors counts backend errors. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	GatewayErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of in-flight conversation turns.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for LLM round-trip latencies.
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
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("End-to-end latency of one conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayCallDuration, err = m.Float64Histogram("parley.gateway.call.duration",
		metric.WithDescription("Latency of individual LLM backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parley.tool_execution.duration",
		metric.WithDescription("Latency of backend tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GatewayRequests, err = m.Int64Counter("parley.gateway.requests",
		metric.WithDescription("Total LLM backend calls by backend, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BudgetOutcomes, err = m.Int64Counter("parley.budget.outcomes",
		metric.WithDescription("Budget Gate decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MemoryRequests, err = m.Int64Counter("parley.memory.requests",
		metric.WithDescription("Turns terminated with a memory_request event."),
	); err != nil {
		return nil, err
	}
	if met.GatewayErrors, err = m.Int64Counter("parley.gateway.errors",
		metric.WithDescription("Total backend errors by backend and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("parley.active_streams",
		metric.WithDescription("Number of in-flight conversation turns."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// statusOf maps an error to the standard "ok"/"error" status attribute value.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordGatewayRequest records a backend call counter increment with the
// standard attribute set, and an error counter increment when err is non-nil.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, backend, kind string, err error) {
	m.GatewayRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
			attribute.String("status", statusOf(err)),
		),
	)
	if err != nil {
		m.GatewayErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("backend", backend),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordGatewayCall records both the request counter and the call-duration
// histogram for a completed backend call.
func (m *Metrics) RecordGatewayCall(ctx context.Context, backend, kind string, d time.Duration, err error) {
	m.RecordGatewayRequest(ctx, backend, kind, err)
	m.GatewayCallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool execution with its duration and status.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", statusOf(err)),
		),
	)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordBudgetOutcome records a Budget Gate decision.
func (m *Metrics) RecordBudgetOutcome(ctx context.Context, outcome string) {
	m.BudgetOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordMemoryRequest records a turn that terminated with a memory_request.
func (m *Metrics) RecordMemoryRequest(ctx context.Context) {
	m.MemoryRequests.Add(ctx, 1)
}
