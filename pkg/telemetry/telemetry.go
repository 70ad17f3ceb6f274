// Package telemetry wires the in-process OpenTelemetry metrics SDK the
// way the teacher's pkg/telemetry does for its tool-call span/counter
// pair (spec.md's Non-goals exclude an external metrics backend, so no
// exporter is ever registered here — the instruments are read by
// nothing but tests and whatever in-process reader an operator adds;
// see DESIGN.md for the dropped-OTLP-exporter rationale).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loxone-mcp/gateway"

var (
	meter = otel.Meter(instrumentationName)

	// ToolCallCounter counts every Tool Dispatcher invocation (spec
	// §4.J), tagged by tool name and outcome.
	ToolCallCounter metric.Int64Counter
	// ToolCallDuration records wall time spent in Catalog.Call.
	ToolCallDuration metric.Float64Histogram
	// RateLimitDecisions counts every Limiter.Allow outcome (spec
	// §4.K), tagged by tier and decision.
	RateLimitDecisions metric.Int64Counter
	// AuthRefreshes counts Auth State Machine refresh cycles (spec
	// §4.C), tagged by outcome.
	AuthRefreshes metric.Int64Counter
	// PoolWaitDuration records time spent suspended in Pool.Acquire
	// (spec §4.D).
	PoolWaitDuration metric.Float64Histogram
)

func init() {
	var err error
	ToolCallCounter, err = meter.Int64Counter("loxone.tool.calls",
		metric.WithDescription("tool dispatcher invocations"))
	if err != nil {
		panic(err)
	}
	ToolCallDuration, err = meter.Float64Histogram("loxone.tool.call.duration",
		metric.WithDescription("tool dispatcher call latency in seconds"), metric.WithUnit("s"))
	if err != nil {
		panic(err)
	}
	RateLimitDecisions, err = meter.Int64Counter("loxone.ratelimit.decisions",
		metric.WithDescription("rate limiter admit/deny decisions"))
	if err != nil {
		panic(err)
	}
	AuthRefreshes, err = meter.Int64Counter("loxone.auth.refreshes",
		metric.WithDescription("auth state machine refresh attempts"))
	if err != nil {
		panic(err)
	}
	PoolWaitDuration, err = meter.Float64Histogram("loxone.pool.wait.duration",
		metric.WithDescription("time spent waiting for a connection pool permit"), metric.WithUnit("s"))
	if err != nil {
		panic(err)
	}
}

// Init installs an in-process SDK MeterProvider with no reader and no
// exporter registered, so the instruments above record against a live
// SDK provider but nothing collects or ships their data.
// Safe to call once at gateway startup; a no-op provider is the
// zero-value default so tests never need to call it.
func Init() {
	otel.SetMeterProvider(sdkmetric.NewMeterProvider())
	meter = otel.Meter(instrumentationName)
}

// StartSpan opens a span under the global tracer provider. With no
// tracer SDK registered (spec.md excludes an external tracing
// backend), this is the API's built-in no-op tracer — kept so call
// sites read the same as the teacher's telemetry.StartToolCallSpan and
// can be upgraded to a real exporter without touching callers.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Since returns the elapsed time in seconds for histogram recording.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
