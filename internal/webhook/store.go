// Package webhook delivers queued webhook jobs to an HTTP endpoint.
//
// Jobs are produced by the payment workflows (see internal/services) into the
// webhook_queue table and consumed here by a polling Dispatcher. Delivery is
// at-least-once: a job whose outcome was never recorded is eventually
// reclaimed and sent again, so receivers must tolerate duplicates.
package webhook

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
	"github.com/tbourn/go-booking-core/internal/repo"
)

// Queue is the storage the dispatcher needs. Renew and the acks identify the
// job by the ID and lease token it was claimed with.
type Queue interface {
	Claim(ctx context.Context, max int, now time.Time) ([]domain.WebhookJob, error)
	Renew(ctx context.Context, job domain.WebhookJob, now time.Time) error
	AckSuccess(ctx context.Context, job domain.WebhookJob, now time.Time) error
	AckFailure(ctx context.Context, job domain.WebhookJob, cause string, now time.Time) (domain.WebhookStatus, error)
	Reclaim(ctx context.Context, visibility time.Duration, now time.Time) (int64, error)
	Stats(ctx context.Context) (map[domain.WebhookStatus]int64, error)
}

// Store adapts the repo queue functions to Queue.
type Store struct {
	DB     *gorm.DB
	Policy repo.RetryPolicy
}

// NewStore returns a Queue backed by db that acknowledges failures with
// policy.
func NewStore(db *gorm.DB, policy repo.RetryPolicy) *Store {
	return &Store{DB: db, Policy: policy}
}

func (s *Store) Claim(ctx context.Context, max int, now time.Time) ([]domain.WebhookJob, error) {
	return repo.ClaimWebhookBatch(ctx, s.DB, max, now)
}

func (s *Store) Renew(ctx context.Context, job domain.WebhookJob, now time.Time) error {
	return repo.RenewWebhookLease(ctx, s.DB, job.ID, job.Lease(), now)
}

func (s *Store) AckSuccess(ctx context.Context, job domain.WebhookJob, now time.Time) error {
	return repo.AckWebhookSuccess(ctx, s.DB, job.ID, job.Lease(), now)
}

func (s *Store) AckFailure(ctx context.Context, job domain.WebhookJob, cause string, now time.Time) (domain.WebhookStatus, error) {
	return repo.AckWebhookFailure(ctx, s.DB, job.ID, job.Lease(), job.Attempts, s.Policy, cause, now)
}

func (s *Store) Reclaim(ctx context.Context, visibility time.Duration, now time.Time) (int64, error) {
	return repo.ReclaimExpiredWebhooks(ctx, s.DB, visibility, now)
}

func (s *Store) Stats(ctx context.Context) (map[domain.WebhookStatus]int64, error) {
	return repo.WebhookQueueStats(ctx, s.DB)
}

var _ Queue = (*Store)(nil)
