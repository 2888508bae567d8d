// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides payment intent coupling and transitions.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
)

// CreateOutcome tells whether CreatePaymentIntentForReservation wrote a row.
type CreateOutcome int

const (
	// Created means a new Pending intent was inserted.
	Created CreateOutcome = iota + 1
	// AlreadyExists means an open intent was already coupled to the reservation.
	AlreadyExists
)

func (o CreateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// CreateResult is the result of coupling an intent to a reservation. ID is
// the new intent on Created and the existing open intent on AlreadyExists.
type CreateResult struct {
	Outcome CreateOutcome
	ID      string
}

// CreatePaymentIntentForReservation couples a Pending intent to a reservation
// unless an open (Pending or Authorized) one already exists. Calling it twice
// for the same reservation yields one open intent.
//
// The pre-check handles the common case. A concurrent insert that slips past
// it trips ux_payment_intents_open and is resolved by re-reading the winner.
func CreatePaymentIntentForReservation(ctx context.Context, db *gorm.DB, reservationID string, amountCents int64, currency, provider string) (CreateResult, error) {
	if existing, err := findOpenIntent(ctx, db, reservationID); err == nil {
		return CreateResult{Outcome: AlreadyExists, ID: existing.ID}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return CreateResult{}, err
	}

	now := time.Now().UTC()
	pi := &domain.PaymentIntent{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		AmountCents:   amountCents,
		Currency:      currency,
		Status:        domain.PaymentPending,
		Provider:      provider,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Nested transaction: a savepoint when db is already a transaction, so a
	// unique violation does not poison the caller's PostgreSQL transaction.
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(pi).Error
	})
	if err == nil {
		return CreateResult{Outcome: Created, ID: pi.ID}, nil
	}
	if !isDuplicate(err) {
		return CreateResult{}, classify(err)
	}
	existing, ferr := findOpenIntent(ctx, db, reservationID)
	if ferr != nil {
		return CreateResult{}, ferr
	}
	return CreateResult{Outcome: AlreadyExists, ID: existing.ID}, nil
}

func findOpenIntent(ctx context.Context, db *gorm.DB, reservationID string) (*domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	err := db.WithContext(ctx).
		Where("reservation_id = ? AND status IN ?", reservationID, domain.OpenPaymentStatuses).
		Order("created_at DESC").
		Take(&pi).Error
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// transitionIntent moves intent id to status `to` if its current status is
// one of `from`. It reports whether a row changed.
func transitionIntent(ctx context.Context, db *gorm.DB, id string, from []domain.PaymentIntentStatus, to domain.PaymentIntentStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.PaymentIntent{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CapturePaymentIntent moves a Pending or Authorized intent to Captured.
// It reports false when the intent is missing or already terminal.
func CapturePaymentIntent(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	return transitionIntent(ctx, db, id, domain.OpenPaymentStatuses, domain.PaymentCaptured, nil)
}

// AuthorizePaymentIntent moves a Pending intent to Authorized and records the
// provider's reference.
func AuthorizePaymentIntent(ctx context.Context, db *gorm.DB, id, providerRef string) (bool, error) {
	return transitionIntent(ctx, db, id,
		[]domain.PaymentIntentStatus{domain.PaymentPending}, domain.PaymentAuthorized,
		map[string]any{"provider_ref": providerRef})
}

// FailPaymentIntent moves a Pending or Authorized intent to Failed.
func FailPaymentIntent(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	return transitionIntent(ctx, db, id, domain.OpenPaymentStatuses, domain.PaymentFailed, nil)
}

// CancelPaymentIntentsByReservation cancels every open intent of a
// reservation. It reports whether any row changed.
func CancelPaymentIntentsByReservation(ctx context.Context, db *gorm.DB, reservationID string) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.PaymentIntent{}).
		Where("reservation_id = ? AND status IN ?", reservationID, domain.OpenPaymentStatuses).
		Updates(map[string]any{"status": domain.PaymentCanceled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetPaymentIntent returns an intent by ID or ErrNotFound.
func GetPaymentIntent(ctx context.Context, db *gorm.DB, id string) (*domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	if err := db.WithContext(ctx).First(&pi, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &pi, nil
}

// ListPaymentIntentsByReservation returns all intents of a reservation,
// oldest first.
func ListPaymentIntentsByReservation(ctx context.Context, db *gorm.DB, reservationID string) ([]domain.PaymentIntent, error) {
	var out []domain.PaymentIntent
	err := db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
