// Package domain defines the persistence models for resources, reservations,
// payment intents and outbound webhook jobs. These types are mapped with GORM
// and form the core data layer of the booking service.
package domain

import (
	"time"
)

// Resource is a bookable shared resource (a court, a room, a desk).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name / Location: display metadata.
//   - PricePerHourCents / Currency: list price, informational for admission.
//   - Active: inactive resources refuse new reservations.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Resource struct {
	ID                string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	Name              string    `json:"name"                  gorm:"type:varchar(120);not null"`
	Location          *string   `json:"location,omitempty"    gorm:"type:varchar(200)"`
	PricePerHourCents int64     `json:"price_per_hour_cents"  gorm:"not null;default:0;check:price_per_hour_cents >= 0"`
	Currency          string    `json:"currency"              gorm:"type:char(3);not null"`
	Active            bool      `json:"active"                gorm:"not null;default:true"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for Resource.
func (Resource) TableName() string { return "resources" }

// Reservation books the half-open interval [StartTime, EndTime) of a resource
// for a user. Reservations are never deleted, only status-transitioned.
//
// For a given ResourceID no two reservations whose status blocks the slot
// (Scheduled, Completed) may overlap. The (resource_id, start_time) index
// backs the overlap query used by admission control.
type Reservation struct {
	ID         string            `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string            `json:"user_id"     gorm:"type:varchar(64);not null;index"`
	ResourceID string            `json:"resource_id" gorm:"type:char(36);not null;index:idx_reservations_resource_window,priority:1"`
	StartTime  time.Time         `json:"start_time"  gorm:"not null;index:idx_reservations_resource_window,priority:2"`
	EndTime    time.Time         `json:"end_time"    gorm:"not null"`
	Status     ReservationStatus `json:"status"      gorm:"type:smallint;not null;check:status BETWEEN 1 AND 5"`
	PriceCents int64             `json:"price_cents" gorm:"not null;check:price_cents >= 0"`
	Currency   string            `json:"currency"    gorm:"type:char(3);not null"`
	Notes      *string           `json:"notes,omitempty" gorm:"type:varchar(500)"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Reservation.
func (Reservation) TableName() string { return "reservations" }

// Overlaps reports whether r and the half-open interval [start, end) share
// any instant. Touching endpoints do not overlap and an empty interval
// overlaps nothing.
func (r Reservation) Overlaps(start, end time.Time) bool {
	if !start.Before(end) || !r.StartTime.Before(r.EndTime) {
		return false
	}
	return r.StartTime.Before(end) && r.EndTime.After(start)
}

// PaymentIntent is the payment attempt coupled to a reservation.
//
// At most one intent per reservation may be open (Pending or Authorized).
// The partial unique index ux_payment_intents_open is created by
// repo.AutoMigrate since GORM tags cannot express the WHERE clause.
type PaymentIntent struct {
	ID            string              `json:"id"             gorm:"type:char(36);primaryKey"`
	ReservationID string              `json:"reservation_id" gorm:"type:char(36);not null;index"`
	AmountCents   int64               `json:"amount_cents"   gorm:"not null;check:amount_cents >= 0"`
	Currency      string              `json:"currency"       gorm:"type:char(3);not null"`
	Status        PaymentIntentStatus `json:"status"         gorm:"type:smallint;not null;check:status BETWEEN 1 AND 5"`
	Provider      string              `json:"provider"       gorm:"type:varchar(64);not null"`
	ProviderRef   *string             `json:"provider_ref,omitempty" gorm:"type:varchar(128)"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// TableName returns the database table name for PaymentIntent.
func (PaymentIntent) TableName() string { return "payment_intents" }
