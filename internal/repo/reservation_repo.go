// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides reservation admission and queries.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-booking-core/internal/domain"
)

// forUpdate adds a row lock on PostgreSQL. SQLite has no row locks; its
// database write lock serializes the writing transactions instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if isPostgres(tx) {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// CreateReservationIfNoOverlap inserts r unless a blocking reservation on the
// same resource overlaps [r.StartTime, r.EndTime).
//
// A conflict is not an error: created is false and id is empty. The check and
// the insert run in one serializable transaction; on PostgreSQL the resource
// row is locked first so concurrent admissions for the same resource queue up
// behind each other. Lost races surface as ErrRetryable.
//
// Missing fields are filled in: ID (UUID), Status (Scheduled), timestamps.
func CreateReservationIfNoOverlap(ctx context.Context, db *gorm.DB, r *domain.Reservation) (created bool, id string, err error) {
	if !r.StartTime.Before(r.EndTime) {
		return false, "", ErrInvalidInterval
	}
	r.StartTime = r.StartTime.UTC()
	r.EndTime = r.EndTime.UTC()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			var res domain.Resource
			if err := forUpdate(tx).Select("id").First(&res, "id = ?", r.ResourceID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var existing domain.Reservation
		err := forUpdate(tx).Model(&domain.Reservation{}).
			Where("resource_id = ? AND status IN ?", r.ResourceID, domain.BlockingReservationStatuses).
			Where("start_time < ? AND end_time > ?", r.EndTime, r.StartTime).
			Take(&existing).Error
		if err == nil {
			return nil // conflict; nothing written
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Status == 0 {
			r.Status = domain.ReservationScheduled
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		created = true
		return nil
	}, txOptions(db))
	if err != nil {
		return false, "", classify(err)
	}
	if !created {
		return false, "", nil
	}
	return true, r.ID, nil
}

// GetReservation returns a reservation by ID or ErrNotFound.
func GetReservation(ctx context.Context, db *gorm.DB, id string) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReservationsByResource returns a page of a resource's reservations in
// start-time order, optionally restricted to those overlapping [from, to).
// Either bound may be nil.
//
// Returns:
//   - items: the requested page
//   - total: total rows matching the filters (ignoring pagination)
func ListReservationsByResource(ctx context.Context, db *gorm.DB, resourceID string, from, to *time.Time, page, pageSize int) (items []domain.Reservation, total int64, err error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	q := db.WithContext(ctx).Model(&domain.Reservation{}).Where("resource_id = ?", resourceID)
	if from != nil {
		q = q.Where("end_time > ?", from.UTC())
	}
	if to != nil {
		q = q.Where("start_time < ?", to.UTC())
	}

	q = q.Session(&gorm.Session{})

	if err = q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err = q.Order("start_time ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	return items, total, err
}

// CancelReservation moves a Scheduled reservation to CanceledByUser or
// CanceledByAdmin. It reports false when the reservation is missing or no
// longer Scheduled.
func CancelReservation(ctx context.Context, db *gorm.DB, id string, byAdmin bool) (bool, error) {
	to := domain.ReservationCanceledByUser
	if byAdmin {
		to = domain.ReservationCanceledByAdmin
	}
	res := db.WithContext(ctx).Model(&domain.Reservation{}).
		Where("id = ? AND status = ?", id, domain.ReservationScheduled).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
