package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's counters and histograms.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	ScheduleOutcomes metric.Int64Counter
	StatusEvents     metric.Int64Counter
	GuardErrors      metric.Int64Counter

	LocalTimerFires    metric.Int64Counter
	LocalTimerDuration metric.Float64Histogram
	LocalTimersArmed   metric.Int64UpDownCounter

	DispatchJobs        metric.Int64Counter
	DispatchJobDuration metric.Float64Histogram
}

// NewMetrics creates all metrics on a private Prometheus registry and returns
// the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("campaignd")
	m := &Metrics{meter: meter}

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

	m.ScheduleOutcomes, err = meter.Int64Counter(
		"schedule_outcomes_total",
		metric.WithDescription("Campaign schedule requests by armed mode and skip reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatusEvents, err = meter.Int64Counter(
		"status_events_total",
		metric.WithDescription("Delivery-status events by status and dedupe result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GuardErrors, err = meter.Int64Counter(
		"idempotency_guard_errors_total",
		metric.WithDescription("Cache errors absorbed by the idempotency guard (fail-open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LocalTimerFires, err = meter.Int64Counter(
		"local_timer_fires_total",
		metric.WithDescription("Local fallback timer fires"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LocalTimerDuration, err = meter.Float64Histogram(
		"local_timer_fire_duration_seconds",
		metric.WithDescription("Duration of local fallback dispatch callbacks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LocalTimersArmed, err = meter.Int64UpDownCounter(
		"local_timers_armed",
		metric.WithDescription("Local fallback timers currently armed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchJobs, err = meter.Int64Counter(
		"dispatch_jobs_total",
		metric.WithDescription("Dispatch callback jobs handled by the worker pool"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchJobDuration, err = meter.Float64Histogram(
		"dispatch_job_duration_seconds",
		metric.WithDescription("Dispatch job latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		routeAttr(route),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordScheduleOutcome records the terminal state reached by the coordinator.
func (m *Metrics) RecordScheduleOutcome(ctx context.Context, mode, reason string) {
	m.ScheduleOutcomes.Add(ctx, 1, metric.WithAttributes(modeAttr(mode), reasonAttr(reason)))
}

// RecordStatusEvent records an inbound delivery status and whether it was a duplicate.
func (m *Metrics) RecordStatusEvent(ctx context.Context, status string, duplicate bool) {
	m.StatusEvents.Add(ctx, 1, metric.WithAttributes(kindAttr(status), resultAttr(duplicate)))
}

// RecordGuardError records a cache failure that was treated as a granted claim.
func (m *Metrics) RecordGuardError(ctx context.Context) {
	m.GuardErrors.Add(ctx, 1)
}

// RecordLocalTimerArmed tracks the number of armed local timers.
func (m *Metrics) RecordLocalTimerArmed(ctx context.Context, delta int64) {
	m.LocalTimersArmed.Add(ctx, delta)
}

// RecordLocalTimerFire records one local timer fire attempt.
func (m *Metrics) RecordLocalTimerFire(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.LocalTimerFires.Add(ctx, 1, attrs)
	m.LocalTimerDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatchJob records a completed dispatch job.
func (m *Metrics) RecordDispatchJob(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.DispatchJobs.Add(ctx, 1, attrs)
	m.DispatchJobDuration.Record(ctx, durationSeconds, attrs)
}
