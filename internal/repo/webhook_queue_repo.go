// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable webhook queue: enqueue,
// batch claims, acknowledgements, and lease reclaim.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-booking-core/internal/domain"
)

// MaxLastErrorRunes bounds the failure description stored on a job.
const MaxLastErrorRunes = 1000

// maxBackoffExponent keeps base*2^n far from overflowing.
const maxBackoffExponent = 10

// RetryPolicy controls failure acknowledgement.
type RetryPolicy struct {
	MaxAttempts int           // dead-letter once attempts reach this
	BackoffBase time.Duration // delay after the first failure
	BackoffCap  time.Duration // upper bound on any delay
}

// WebhookBackoff returns min(base * 2^attempts, cap), where attempts is the
// number of attempts made before the failing one.
func WebhookBackoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	d := base << uint(attempts)
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// paymentEventPayload is the JSON body delivered for payment events.
type paymentEventPayload struct {
	PaymentIntentID string  `json:"paymentIntentId"`
	Event           string  `json:"event"`
	ProviderRef     *string `json:"providerRef"`
}

// EnqueueWebhook appends a Pending job. It becomes claimable at scheduleAt,
// or immediately when scheduleAt is nil.
func EnqueueWebhook(ctx context.Context, db *gorm.DB, aggregateType, aggregateID string, payload []byte, scheduleAt *time.Time) (*domain.WebhookJob, error) {
	now := time.Now().UTC()
	next := now
	if scheduleAt != nil {
		next = scheduleAt.UTC()
	}
	job := &domain.WebhookJob{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       string(payload),
		Status:        domain.WebhookPending,
		NextAttemptAt: next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueuePaymentEvent enqueues the notification for a payment intent event.
// Pass a transaction to make the enqueue atomic with the state change that
// caused it.
func EnqueuePaymentEvent(ctx context.Context, db *gorm.DB, paymentIntentID, event string, providerRef *string, scheduleAt *time.Time) (*domain.WebhookJob, error) {
	if !domain.KnownPaymentEvent(event) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	body, err := json.Marshal(paymentEventPayload{
		PaymentIntentID: paymentIntentID,
		Event:           event,
		ProviderRef:     providerRef,
	})
	if err != nil {
		return nil, err
	}
	return EnqueueWebhook(ctx, db, domain.AggregatePaymentIntent, paymentIntentID, body, scheduleAt)
}

// ClaimWebhookBatch atomically moves up to max due jobs (Pending or Failed
// with next_attempt_at <= now) to Processing and returns them, oldest first.
// The returned jobs carry a fresh lease token; acknowledgements and
// RenewWebhookLease only match rows that still hold it.
//
// On PostgreSQL the selected rows are locked FOR UPDATE SKIP LOCKED, so
// concurrent claimers partition the backlog instead of blocking. On SQLite
// the database write lock serializes claims; a claimer that loses the race
// gets ErrRetryable. Either way a job is handed to at most one claimer.
func ClaimWebhookBatch(ctx context.Context, db *gorm.DB, max int, now time.Time) ([]domain.WebhookJob, error) {
	if max <= 0 {
		max = 1
	}
	now = now.UTC()
	lease := uuid.NewString()

	var jobs []domain.WebhookJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status IN ? AND next_attempt_at <= ?", domain.ClaimableWebhookStatuses, now).
			Order("created_at ASC, id ASC").
			Limit(max)
		if isPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]string, len(jobs))
		for i := range jobs {
			ids[i] = jobs[i].ID
		}
		res := tx.Model(&domain.WebhookJob{}).
			Where("id IN ? AND status IN ?", ids, domain.ClaimableWebhookStatuses).
			Updates(map[string]any{"status": domain.WebhookProcessing, "lease_id": lease, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(jobs)) {
			return fmt.Errorf("%w: claimed %d of %d rows", ErrRetryable, res.RowsAffected, len(jobs))
		}
		for i := range jobs {
			jobs[i].Status = domain.WebhookProcessing
			jobs[i].LeaseID = &lease
			jobs[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return jobs, nil
}

// RenewWebhookLease restarts the lease of a Processing job at now. A
// dispatcher calls it right before delivering, so a job that waited in memory
// behind others is not reclaimed while its request is in flight. It returns
// ErrNotFound when the job is no longer Processing under lease.
func RenewWebhookLease(ctx context.Context, db *gorm.DB, id, lease string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Where("id = ? AND status = ? AND lease_id = ?", id, domain.WebhookProcessing, lease).
		Update("updated_at", now.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AckWebhookSuccess marks a Processing job Sent, counts the attempt, and
// clears the last error. It returns ErrNotFound when the job is not
// Processing under lease (already acknowledged, or reclaimed by lease expiry
// and possibly claimed again by someone else).
func AckWebhookSuccess(ctx context.Context, db *gorm.DB, id, lease string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Where("id = ? AND status = ? AND lease_id = ?", id, domain.WebhookProcessing, lease).
		Updates(map[string]any{
			"status":     domain.WebhookSent,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": nil,
			"lease_id":   nil,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AckWebhookFailure records a failed attempt of a Processing job.
//
// attempts is the job's attempt count when it was claimed. The new count is
// attempts+1; if that reaches policy.MaxAttempts the job is dead-lettered,
// otherwise it becomes Failed and claimable again after
// WebhookBackoff(attempts, base, cap). The cause is truncated to
// MaxLastErrorRunes. The resulting status is returned, or ErrNotFound when
// the job is not Processing under lease.
func AckWebhookFailure(ctx context.Context, db *gorm.DB, id, lease string, attempts int, policy RetryPolicy, cause string, now time.Time) (domain.WebhookStatus, error) {
	now = now.UTC()
	next := attempts + 1
	status := domain.WebhookFailed
	if next >= policy.MaxAttempts {
		status = domain.WebhookDeadLetter
	}
	msg := truncateRunes(cause, MaxLastErrorRunes)

	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Where("id = ? AND status = ? AND lease_id = ?", id, domain.WebhookProcessing, lease).
		Updates(map[string]any{
			"status":          status,
			"attempts":        next,
			"last_error":      msg,
			"lease_id":        nil,
			"next_attempt_at": now.Add(WebhookBackoff(attempts, policy.BackoffBase, policy.BackoffCap)),
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return status, nil
}

// ReclaimExpiredWebhooks returns Processing jobs whose lease started (or was
// last renewed) before now-visibility to Pending, so a crashed or stopped
// dispatcher does not strand them. The lease token is dropped, so the old
// holder can no longer renew or acknowledge. Attempts are left unchanged. It
// returns the number reclaimed.
func ReclaimExpiredWebhooks(ctx context.Context, db *gorm.DB, visibility time.Duration, now time.Time) (int64, error) {
	if visibility <= 0 {
		return 0, nil
	}
	now = now.UTC()
	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Where("status = ? AND updated_at < ?", domain.WebhookProcessing, now.Add(-visibility)).
		Updates(map[string]any{
			"status":          domain.WebhookPending,
			"lease_id":        nil,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

// GetWebhookJob returns a job by ID or ErrNotFound.
func GetWebhookJob(ctx context.Context, db *gorm.DB, id string) (*domain.WebhookJob, error) {
	var job domain.WebhookJob
	if err := db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListWebhookJobs returns up to limit jobs, newest first, optionally
// filtered by status.
func ListWebhookJobs(ctx context.Context, db *gorm.DB, status *domain.WebhookStatus, limit int) ([]domain.WebhookJob, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	q := db.WithContext(ctx).Model(&domain.WebhookJob{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var jobs []domain.WebhookJob
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// RequeueDeadLetter gives a DeadLetter job a fresh set of attempts: it
// becomes Pending and due at now, keeping its last error for reference.
// It returns ErrNotFound when the job is missing or not dead-lettered.
func RequeueDeadLetter(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	now = now.UTC()
	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Where("id = ? AND status = ?", id, domain.WebhookDeadLetter).
		Updates(map[string]any{
			"status":          domain.WebhookPending,
			"attempts":        0,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
