package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// admissions counts booking attempts by outcome: created, conflict,
	// rejected (validation) or error.
	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_admissions_total",
			Help: "Reservation admission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// admissionRetries counts admission transactions retried after a
	// serialization failure or busy database.
	admissionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_admission_retries_total",
			Help: "Reservation admission transactions retried after a storage conflict.",
		},
	)

	// paymentEvents counts payment state changes that enqueued a webhook.
	paymentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_events_enqueued_total",
			Help: "Payment events enqueued for webhook delivery.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(admissions, admissionRetries, paymentEvents)
}
