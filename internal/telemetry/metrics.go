// Package telemetry records invocation metrics with OpenTelemetry and exposes
// them in Prometheus format.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/agentregistry-dev/agentrun"

// ShutdownFunc flushes and stops the meter provider.
type ShutdownFunc func(context.Context) error

// Metrics holds the invocation instruments.
type Metrics struct {
	Requests        metric.Int64Counter
	ErrorCount      metric.Int64Counter
	RequestDuration metric.Float64Histogram
	StreamChunks    metric.Int64Counter

	registry *prometheus.Registry
}

// InitMetrics builds a meter provider backed by its own Prometheus registry.
func InitMetrics(version string) (ShutdownFunc, *Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName, metric.WithInstrumentationVersion(version))

	m := &Metrics{registry: registry}
	if m.Requests, err = meter.Int64Counter("agentrun_invocations",
		metric.WithDescription("Agent invocations by transport and entrypoint")); err != nil {
		return nil, nil, err
	}
	if m.ErrorCount, err = meter.Int64Counter("agentrun_invocation_errors",
		metric.WithDescription("Failed agent invocations by error code")); err != nil {
		return nil, nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("agentrun_invocation_duration",
		metric.WithDescription("Agent invocation duration"),
		metric.WithUnit("s")); err != nil {
		return nil, nil, err
	}
	if m.StreamChunks, err = meter.Int64Counter("agentrun_stream_chunks",
		metric.WithDescription("Chunks received from streaming entrypoints")); err != nil {
		return nil, nil, err
	}

	return provider.Shutdown, m, nil
}

// PrometheusHandler serves the collected metrics.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInvocation records one finished invocation. code is empty on success.
// A nil receiver records nothing.
func (m *Metrics) RecordInvocation(ctx context.Context, transport, entrypoint, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("transport", transport),
		attribute.String("entrypoint", entrypoint),
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if code != "" {
		m.ErrorCount.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("code", code))...))
	}
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordChunk counts one received stream chunk.
func (m *Metrics) RecordChunk(ctx context.Context, entrypoint string) {
	if m == nil {
		return
	}
	m.StreamChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("entrypoint", entrypoint)))
}
