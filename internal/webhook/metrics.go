package webhook

import "github.com/prometheus/client_golang/prometheus"

// Labels stay bounded: worker is the configured dispatcher name, outcome is
// one of sent, failed, dead_letter, interrupted, lease_lost or error.
var (
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		},
		[]string{"worker", "outcome"},
	)

	deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook HTTP calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	cycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_cycle_errors_total",
			Help: "Dispatcher cycles that ended in an error or panic.",
		},
		[]string{"worker"},
	)

	reclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_reclaimed_total",
			Help: "Processing jobs returned to pending after their lease expired.",
		},
		[]string{"worker"},
	)

	queueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webhook_queue_jobs",
			Help: "Jobs in the webhook queue by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(deliveries, deliveryLatency, cycleErrors, reclaimed, queueJobs)
}
