package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "candlewatch"

// Metrics holds the Prometheus collectors for the alerting engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	RunsTotal          *prometheus.CounterVec // labels: trigger=schedule|manual|replay
	RunDuration        prometheus.Histogram
	EvaluationsTotal   *prometheus.CounterVec // labels: indicator, triggered
	OutcomesTotal      *prometheus.CounterVec // labels: status, reason
	DeliveryAttempts   *prometheus.CounterVec // labels: result=success|failure
	DeliveryDuration   prometheus.Histogram
	FetchErrorsTotal   *prometheus.CounterVec // labels: retryable
	FetchDuration      prometheus.Histogram
	HTTPRequestsTotal  *prometheus.CounterVec   // labels: method, route, status
	HTTPRequestLatency *prometheus.HistogramVec // labels: method, route
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Trigger runs started, by trigger source",
		}, []string{"trigger"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a trigger run",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicator_evaluations_total",
			Help:      "Indicator evaluations, by indicator and whether they triggered",
		}, []string{"indicator", "triggered"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_outcomes_total",
			Help:      "Per-indicator outcomes, by status and reason",
		}, []string{"status", "reason"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries, by final result",
		}, []string{"result"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Wall time of a webhook delivery including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candle_fetch_errors_total",
			Help:      "Candle fetch failures, by retryability",
		}, []string{"retryable"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candle_fetch_duration_seconds",
			Help:      "Latency of candle fetches",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal,
		m.RunDuration,
		m.EvaluationsTotal,
		m.OutcomesTotal,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.FetchErrorsTotal,
		m.FetchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records one completed trigger run.
func (m *Metrics) ObserveRun(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// ObserveEvaluation records one indicator evaluation.
func (m *Metrics) ObserveEvaluation(indicator string, triggered bool) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(indicator, boolLabel(triggered)).Inc()
}

// ObserveOutcome records a per-indicator outcome.
func (m *Metrics) ObserveOutcome(status, reason string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status, reason).Inc()
}

// ObserveDelivery records a finished webhook delivery.
func (m *Metrics) ObserveDelivery(success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.DeliveryAttempts.WithLabelValues(result).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

// ObserveFetch records a candle fetch; err may be nil.
func (m *Metrics) ObserveFetch(d time.Duration, err error, retryable bool) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
	if err != nil {
		m.FetchErrorsTotal.WithLabelValues(boolLabel(retryable)).Inc()
	}
}

// ObserveHTTP records an API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
