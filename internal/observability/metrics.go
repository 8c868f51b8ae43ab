package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs, push queue depth)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration     metric.Float64Histogram
	JobsTotal       metric.Int64Counter
	JobErrorsTotal  metric.Int64Counter
	JobRetriesTotal metric.Int64Counter
	JobsActive      metric.Int64UpDownCounter

	// Result cache metrics
	CacheHitsTotal   metric.Int64Counter
	CacheMissesTotal metric.Int64Counter

	// Poller metrics
	PollTicksTotal metric.Int64Counter

	// Push metrics (Latency, Traffic, Errors, Saturation)
	PushDuration   metric.Float64Histogram
	PushDelivered  metric.Int64Counter
	PushFailed     metric.Int64Counter
	PushDropped    metric.Int64Counter
	PushQueueSize  metric.Int64Gauge
	PushBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("printforge")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job duration from creation to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobRetriesTotal, err = meter.Int64Counter(
		"job_retries_total",
		metric.WithDescription("Total number of retried job attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently executing jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Result cache metrics
	m.CacheHitsTotal, err = meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total submissions served from the result cache"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMissesTotal, err = meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Total submissions that missed the result cache"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Poller metrics
	m.PollTicksTotal, err = meter.Int64Counter(
		"poll_ticks_total",
		metric.WithDescription("Total provider status checks performed"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Push metrics
	m.PushDuration, err = meter.Float64Histogram(
		"push_duration_seconds",
		metric.WithDescription("Push notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushDelivered, err = meter.Int64Counter(
		"push_delivered_total",
		metric.WithDescription("Total push notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushFailed, err = meter.Int64Counter(
		"push_failed_total",
		metric.WithDescription("Total push notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushDropped, err = meter.Int64Counter(
		"push_dropped_total",
		metric.WithDescription("Total push notifications dropped (buffer full or circuit open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushQueueSize, err = meter.Int64Gauge(
		"push_queue_size",
		metric.WithDescription("Current number of notifications in push queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, provider string) {
	attrs := metric.WithAttributes(providerAttr(provider))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal state (success or failure).
func (m *Metrics) RecordJobFinished(ctx context.Context, provider string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(provider), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(providerAttr(provider)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobRetry records a retried attempt.
func (m *Metrics) RecordJobRetry(ctx context.Context, provider string) {
	m.JobRetriesTotal.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordCacheLookup records a result cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, provider string, hit bool) {
	attrs := metric.WithAttributes(providerAttr(provider))
	if hit {
		m.CacheHitsTotal.Add(ctx, 1, attrs)
	} else {
		m.CacheMissesTotal.Add(ctx, 1, attrs)
	}
}

// RecordPollTick records one provider status check.
func (m *Metrics) RecordPollTick(ctx context.Context, provider string) {
	m.PollTicksTotal.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordPushDelivered records a successful push delivery with its duration.
func (m *Metrics) RecordPushDelivered(ctx context.Context, durationSeconds float64) {
	m.PushDelivered.Add(ctx, 1)
	m.PushDuration.Record(ctx, durationSeconds)
}

// RecordPushFailed records a failed push delivery.
func (m *Metrics) RecordPushFailed(ctx context.Context) {
	m.PushFailed.Add(ctx, 1)
}

// RecordPushDropped records a dropped push notification.
func (m *Metrics) RecordPushDropped(ctx context.Context) {
	m.PushDropped.Add(ctx, 1)
}

// RecordPushQueueSize records the current push queue size.
func (m *Metrics) RecordPushQueueSize(ctx context.Context, size int64) {
	m.PushQueueSize.Record(ctx, size)
}
