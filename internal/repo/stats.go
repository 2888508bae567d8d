// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the webhook
// queue, used to publish backlog gauges after each dispatcher cycle.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
)

// WebhookQueueStats returns the number of jobs per status. Statuses with no
// jobs are present with a zero count.
func WebhookQueueStats(ctx context.Context, db *gorm.DB) (map[domain.WebhookStatus]int64, error) {
	var rows []struct {
		Status domain.WebhookStatus
		N      int64
	}
	err := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := map[domain.WebhookStatus]int64{
		domain.WebhookPending:    0,
		domain.WebhookProcessing: 0,
		domain.WebhookSent:       0,
		domain.WebhookFailed:     0,
		domain.WebhookDeadLetter: 0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// OldestDueWebhook returns the created_at of the oldest claimable job that is
// due at now, or nil when nothing is due.
func OldestDueWebhook(ctx context.Context, db *gorm.DB, now time.Time) (*time.Time, error) {
	// Order + Limit instead of MIN(): MIN() comes back as TEXT in SQLite.
	var row struct {
		CreatedAt time.Time
	}
	res := db.WithContext(ctx).Model(&domain.WebhookJob{}).
		Select("created_at").
		Where("status IN ? AND next_attempt_at <= ?", domain.ClaimableWebhookStatuses, now.UTC()).
		Order("created_at ASC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row.CreatedAt, nil
}
