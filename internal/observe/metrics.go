// Package observe provides application-wide observability primitives for
// the gateway daemon: OpenTelemetry metrics and the Prometheus exporter
// bridge that serves them over /metrics.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/MrWong99/glyphoxa"

// Metrics holds all OpenTelemetry metric instruments for the gateway
// daemon. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ControlHandshakeDuration tracks the time from WebSocket accept to the
	// first configuration frame being applied (C8).
	ControlHandshakeDuration metric.Float64Histogram

	// MediaNegotiationDuration tracks offer-to-answer latency (C9).
	MediaNegotiationDuration metric.Float64Histogram

	// ToolCallDuration tracks MCP tool execution latency (C4).
	ToolCallDuration metric.Float64Histogram

	// EnhancementDecisionDuration tracks the enhancement-decider LLM round
	// trip (C6).
	EnhancementDecisionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BusDrops counts frames dropped by the fan-out bus because a
	// subscriber's queue was full.
	BusDrops metric.Int64Counter

	// EnhancementDecisions counts enhancement-decider outcomes. Use with
	// attribute: attribute.String("outcome", "enhance"|"bypass"|"error").
	EnhancementDecisions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently bound to at
	// least one control or media connection (C1).
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of live control connections (C2).
	ActiveConnections metric.Int64UpDownCounter

	// BusSubscriptions tracks the number of active fan-out bus subscriptions (C3).
	BusSubscriptions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// interactive, sub-second gateway round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ControlHandshakeDuration, err = m.Float64Histogram("gatewayd.control.handshake.duration",
		metric.WithDescription("Latency from WebSocket accept to the first applied configuration frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MediaNegotiationDuration, err = m.Float64Histogram("gatewayd.media.negotiation.duration",
		metric.WithDescription("Latency of WebRTC offer/answer negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("gatewayd.tool.call.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnhancementDecisionDuration, err = m.Float64Histogram("gatewayd.enhancement.decision.duration",
		metric.WithDescription("Latency of the enhancement-decider LLM round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("gatewayd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("gatewayd.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BusDrops, err = m.Int64Counter("gatewayd.bus.drops",
		metric.WithDescription("Total frames dropped by the fan-out bus due to a full subscriber queue."),
	); err != nil {
		return nil, err
	}
	if met.EnhancementDecisions, err = m.Int64Counter("gatewayd.enhancement.decisions",
		metric.WithDescription("Total enhancement-decider outcomes by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("gatewayd.active_sessions",
		metric.WithDescription("Number of sessions currently bound to at least one connection."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("gatewayd.active_connections",
		metric.WithDescription("Number of live control connections."),
	); err != nil {
		return nil, err
	}
	if met.BusSubscriptions, err = m.Int64UpDownCounter("gatewayd.bus.subscriptions",
		metric.WithDescription("Number of active fan-out bus subscriptions."),
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

// RecordToolCall records a tool-call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordBusDrop records a dropped fan-out delivery for connectionID.
func (m *Metrics) RecordBusDrop(ctx context.Context, connectionID string) {
	m.BusDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("connection_id", connectionID)))
}

// RecordEnhancementDecision records an enhancement-decider outcome.
func (m *Metrics) RecordEnhancementDecision(ctx context.Context, outcome string) {
	m.EnhancementDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
