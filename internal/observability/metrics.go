package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	SubmissionsTotal        *prometheus.CounterVec
	DeliveryAttemptsTotal   *prometheus.CounterVec
	DeliveriesTotal         *prometheus.CounterVec
	QueueDepth              prometheus.Gauge
	QueueRetriesTotal       prometheus.Counter
	BreakerTransitionsTotal *prometheus.CounterVec
	RateLimitedTotal        prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions_total",
				Help: "Total number of delivery submissions by outcome",
			},
			[]string{"status"},
		),
		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_attempts_total",
				Help: "Total number of transport send attempts",
			},
			[]string{"transport", "outcome"},
		),
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliveries_total",
				Help: "Total number of terminal delivery outcomes",
			},
			[]string{"status", "transport"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of queued jobs",
			},
		),
		QueueRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_retries_total",
				Help: "Total number of queue-level safety-net retries",
			},
		),
		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"transport", "to"},
		),
		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limited_total",
				Help: "Total number of rate-limited submissions",
			},
		),
	}
}
