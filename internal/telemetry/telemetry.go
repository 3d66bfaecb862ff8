// Package telemetry exposes the process's metrics through an OpenTelemetry
// meter backed by a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the instruments the pipeline and the HTTP layer record
// into. A zero-value (disabled) instance is safe to use; every record call
// is a no-op.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter

	tasksSubmitted  metric.Int64Counter
	tasksFinished   metric.Int64Counter
	tasksActive     metric.Int64UpDownCounter
	taskDuration    metric.Float64Histogram
	bytesDownloaded metric.Int64Counter
	backendErrors   metric.Int64Counter
	searchesTotal   metric.Int64Counter

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a telemetry instance. When disabled, the returned instance
// records nothing.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	if t.tasksSubmitted, err = t.meter.Int64Counter("tasks_submitted_total",
		metric.WithDescription("Acquisition tasks submitted")); err != nil {
		return err
	}

	if t.tasksFinished, err = t.meter.Int64Counter("tasks_finished_total",
		metric.WithDescription("Tasks that reached a terminal status")); err != nil {
		return err
	}

	if t.tasksActive, err = t.meter.Int64UpDownCounter("tasks_active",
		metric.WithDescription("Tasks currently owned by a worker")); err != nil {
		return err
	}

	if t.taskDuration, err = t.meter.Float64Histogram("task_duration_seconds",
		metric.WithDescription("Wall time from claim to terminal status")); err != nil {
		return err
	}

	if t.bytesDownloaded, err = t.meter.Int64Counter("bytes_downloaded_total",
		metric.WithDescription("Payload bytes received")); err != nil {
		return err
	}

	if t.backendErrors, err = t.meter.Int64Counter("backend_errors_total",
		metric.WithDescription("Errors reported by download backends")); err != nil {
		return err
	}

	if t.searchesTotal, err = t.meter.Int64Counter("searches_total",
		metric.WithDescription("IRC search commands issued")); err != nil {
		return err
	}

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Inbound HTTP requests")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("Inbound HTTP request latency")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer; nil when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// PrometheusHandler serves the scrape endpoint.
func (t *Telemetry) PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

func (t *Telemetry) RecordTaskSubmitted(source string) {
	if t.tasksSubmitted != nil {
		t.tasksSubmitted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("source", source)))
	}
}

func (t *Telemetry) RecordTaskFinished(source, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	)

	if t.tasksFinished != nil {
		t.tasksFinished.Add(context.Background(), 1, attrs)
	}

	if t.taskDuration != nil {
		t.taskDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

func (t *Telemetry) TaskStarted() {
	if t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), 1)
	}
}

func (t *Telemetry) TaskStopped() {
	if t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), -1)
	}
}

func (t *Telemetry) RecordBytesDownloaded(source string, n int64) {
	if t.bytesDownloaded != nil {
		t.bytesDownloaded.Add(context.Background(), n,
			metric.WithAttributes(attribute.String("source", source)))
	}
}

func (t *Telemetry) RecordBackendError(backend, op string) {
	if t.backendErrors != nil {
		t.backendErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("backend", backend),
				attribute.String("operation", op),
			))
	}
}

func (t *Telemetry) RecordSearch(outcome string) {
	if t.searchesTotal != nil {
		t.searchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (t *Telemetry) recordHTTPRequest(method, path, statusClass string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", statusClass),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}
