package domain

import "time"

// Aggregate types recorded on webhook jobs.
const (
	AggregatePaymentIntent = "PaymentIntent"
)

// Payment events delivered to the configured webhook endpoint.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventPaymentCanceled = "payment.canceled"
)

// KnownPaymentEvent reports whether ev is one of the payment events the
// queue accepts.
func KnownPaymentEvent(ev string) bool {
	switch ev {
	case EventPaymentCaptured, EventPaymentFailed, EventPaymentCanceled:
		return true
	}
	return false
}

// WebhookJob is one durable outbound notification. Jobs are claimed in
// batches by dispatcher instances; a job in Processing belongs to exactly
// one instance for the duration of that attempt.
//
// Fields:
//   - AggregateType / AggregateID: what the notification is about.
//   - Payload: JSON body POSTed to the endpoint, stored verbatim.
//   - Attempts: incremented once per delivery attempt (success or failure).
//   - LastError: bounded description of the latest failure, nil after success.
//   - NextAttemptAt: the job is invisible to claims before this instant.
//   - LeaseID: token of the claim that moved the job to Processing; acks and
//     lease renewals must present it. Cleared when the job leaves Processing.
//   - UpdatedAt: doubles as the lease start while Processing.
type WebhookJob struct {
	ID            string        `json:"id"              gorm:"type:char(36);primaryKey"`
	AggregateType string        `json:"aggregate_type"  gorm:"type:varchar(64);not null"`
	AggregateID   string        `json:"aggregate_id"    gorm:"type:varchar(64);not null;index"`
	Payload       string        `json:"payload"         gorm:"type:text;not null"`
	Status        WebhookStatus `json:"status"          gorm:"type:smallint;not null;default:0;index:idx_webhook_queue_claim,priority:1;check:status BETWEEN 0 AND 4"`
	Attempts      int           `json:"attempts"        gorm:"not null;default:0"`
	LastError     *string       `json:"last_error,omitempty" gorm:"type:varchar(1000)"`
	NextAttemptAt time.Time     `json:"next_attempt_at" gorm:"not null;index:idx_webhook_queue_claim,priority:2"`
	LeaseID       *string       `json:"lease_id,omitempty"   gorm:"type:char(36)"`
	CreatedAt     time.Time     `json:"created_at"      gorm:"index:idx_webhook_queue_claim,priority:3"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for WebhookJob.
func (WebhookJob) TableName() string { return "webhook_queue" }

// Lease returns the claim token, or "" for a job that is not leased.
func (j WebhookJob) Lease() string {
	if j.LeaseID == nil {
		return ""
	}
	return *j.LeaseID
}
