package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all feeder Prometheus metrics.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	ArchiveErrors       prometheus.Counter
	CustomersCreated    prometheus.Counter
	DLQTotal            *prometheus.CounterVec
	BillingRequests     *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge
}

// NewMetrics creates and registers all feeder metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_feeder_events_total",
			Help: "Events handled by outcome.",
		}, []string{"outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_feeder_stage_duration_seconds",
			Help:    "Processing time per dispatch stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		ArchiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoice_feeder_archive_errors_total",
			Help: "Failed event archive writes.",
		}),

		CustomersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoice_feeder_customers_created_total",
			Help: "Billy customers created on first sight.",
		}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_feeder_dlq_total",
			Help: "Events sent to the dead-letter destination.",
		}, []string{"error_code"}),

		BillingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_feeder_billing_requests_total",
			Help: "Billy API requests by operation and status code.",
		}, []string{"operation", "status"}),

		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_feeder_billing_circuit_state",
			Help: "Billy client circuit state (0 closed, 1 half-open, 2 open).",
		}),
	}
}
