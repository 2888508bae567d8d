// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides CRUD helpers for bookable resources.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
)

// CreateResource inserts a new active resource. ID and timestamps are set if
// empty.
func CreateResource(ctx context.Context, db *gorm.DB, r *domain.Resource) error {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt, r.UpdatedAt = now, now
	// Active has a DB default of true, which GORM would apply over a false
	// zero value; insert active and flip afterwards when asked.
	active := r.Active
	r.Active = true
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return err
	}
	if !active {
		if err := SetResourceActive(ctx, db, r.ID, false); err != nil {
			return err
		}
		r.Active = false
	}
	return nil
}

// GetResource returns a resource by ID or ErrNotFound.
func GetResource(ctx context.Context, db *gorm.DB, id string) (*domain.Resource, error) {
	var r domain.Resource
	if err := db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// SetResourceActive toggles whether a resource accepts new reservations.
// It returns ErrNotFound when no such resource exists.
func SetResourceActive(ctx context.Context, db *gorm.DB, id string, active bool) error {
	res := db.WithContext(ctx).Model(&domain.Resource{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
