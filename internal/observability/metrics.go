// Package observability exposes trial-engine metrics via the OTel metric API
// with a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"causeval/internal/logging"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// MetricsCollector manages all metrics for the trial engine.
// The zero value (and a disabled config) is a no-op collector.
type MetricsCollector struct {
	meter metric.Meter

	attempts       metric.Int64Counter
	attemptLatency metric.Float64Histogram
	tasksInFlight  metric.Int64UpDownCounter
	exposureTrials metric.Int64Counter
	poolExhausted  metric.Int64Counter

	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetricsCollector creates a metrics collector. When disabled it records
// nothing and starts no server.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	logger = logging.OrNop(logger)
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("causeval")

	attempts, err := meter.Int64Counter(
		"causeval.trial.attempts.total",
		metric.WithDescription("Total trial attempts by outcome kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}

	attemptLatency, err := meter.Float64Histogram(
		"causeval.trial.attempt.latency",
		metric.WithDescription("Trial attempt latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempt latency histogram: %w", err)
	}

	tasksInFlight, err := meter.Int64UpDownCounter(
		"causeval.tasks.in_flight",
		metric.WithDescription("Tasks currently executing"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create in-flight counter: %w", err)
	}

	exposureTrials, err := meter.Int64Counter(
		"causeval.relevance.exposure_trials.total",
		metric.WithDescription("Total randomized exposure trials by outcome"),
		metric.WithUnit("{trial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create exposure trials counter: %w", err)
	}

	poolExhausted, err := meter.Int64Counter(
		"causeval.credentials.exhausted.total",
		metric.WithDescription("Acquire calls that found no healthy credential"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool exhausted counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		attempts:       attempts,
		attemptLatency: attemptLatency,
		tasksInFlight:  tasksInFlight,
		exposureTrials: exposureTrials,
		poolExhausted:  poolExhausted,
		logger:         logger,
	}

	if config.PrometheusPort > 0 {
		collector.startPrometheusServer(config.PrometheusPort)
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("prometheus server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// RecordAttempt records one finished attempt with its failure kind
// (empty kind means success).
func (m *MetricsCollector) RecordAttempt(ctx context.Context, kind string, latency time.Duration) {
	if m == nil || m.attempts == nil {
		return
	}
	status := "success"
	if kind != "" {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("kind", kind),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptLatency.Record(ctx, latency.Seconds(), attrs)
}

// TaskStarted marks one task entering execution.
func (m *MetricsCollector) TaskStarted(ctx context.Context) {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Add(ctx, 1)
}

// TaskFinished marks one task leaving execution.
func (m *MetricsCollector) TaskFinished(ctx context.Context) {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Add(ctx, -1)
}

// RecordExposureTrial records one randomized exposure trial outcome.
func (m *MetricsCollector) RecordExposureTrial(ctx context.Context, success bool) {
	if m == nil || m.exposureTrials == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.exposureTrials.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPoolExhausted records an acquire that found no healthy credential.
func (m *MetricsCollector) RecordPoolExhausted(ctx context.Context) {
	if m == nil || m.poolExhausted == nil {
		return
	}
	m.poolExhausted.Add(ctx, 1)
}
