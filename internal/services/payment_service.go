// Package services – PaymentService
//
// This file implements the payment intent workflows. Every state change that
// the outside world must hear about enqueues its webhook job in the same
// transaction as the change itself, so a committed change always has a
// pending notification and a rolled-back one never does.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
	"github.com/tbourn/go-booking-core/internal/repo"
)

// PaymentService drives payment intents through their lifecycle.
type PaymentService struct {
	DB *gorm.DB
}

// Authorize moves a Pending intent to Authorized and records the provider's
// reference. No webhook is sent for authorization.
func (s *PaymentService) Authorize(ctx context.Context, intentID, providerRef string) error {
	ctx, span := s.start(ctx, "Authorize", intentID)
	defer span.End()

	ok, err := repo.AuthorizePaymentIntent(ctx, s.DB, intentID, providerRef)
	if err != nil {
		return err
	}
	if !ok {
		return s.missingOrInvalid(ctx, s.DB, intentID)
	}
	return nil
}

// Capture moves an open intent to Captured and enqueues payment.captured.
func (s *PaymentService) Capture(ctx context.Context, intentID string) error {
	ctx, span := s.start(ctx, "Capture", intentID)
	defer span.End()

	return s.transition(ctx, intentID, domain.EventPaymentCaptured, repo.CapturePaymentIntent)
}

// Fail moves an open intent to Failed and enqueues payment.failed.
func (s *PaymentService) Fail(ctx context.Context, intentID string) error {
	ctx, span := s.start(ctx, "Fail", intentID)
	defer span.End()

	return s.transition(ctx, intentID, domain.EventPaymentFailed, repo.FailPaymentIntent)
}

// EnqueueEvent enqueues a webhook for an existing intent without changing its
// state, e.g. to re-notify after an endpoint outage. scheduleAt may be nil.
func (s *PaymentService) EnqueueEvent(ctx context.Context, intentID, event string, scheduleAt *time.Time) (*domain.WebhookJob, error) {
	ctx, span := s.start(ctx, "EnqueueEvent", intentID)
	defer span.End()
	span.SetAttributes(attribute.String("payment.event", event))

	pi, err := repo.GetPaymentIntent(ctx, s.DB, intentID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrPaymentIntentNotFound
		}
		return nil, err
	}
	job, err := repo.EnqueuePaymentEvent(ctx, s.DB, pi.ID, event, pi.ProviderRef, scheduleAt)
	if err != nil {
		return nil, err
	}
	paymentEvents.WithLabelValues(event).Inc()
	return job, nil
}

type intentTransition func(ctx context.Context, db *gorm.DB, id string) (bool, error)

// transition applies move and enqueues event atomically.
func (s *PaymentService) transition(ctx context.Context, intentID, event string, move intentTransition) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := move(ctx, tx, intentID)
		if err != nil {
			return err
		}
		if !ok {
			return s.missingOrInvalid(ctx, tx, intentID)
		}
		pi, err := repo.GetPaymentIntent(ctx, tx, intentID)
		if err != nil {
			return err
		}
		_, err = repo.EnqueuePaymentEvent(ctx, tx, pi.ID, event, pi.ProviderRef, nil)
		return err
	})
	if err != nil {
		return err
	}
	paymentEvents.WithLabelValues(event).Inc()
	return nil
}

// missingOrInvalid explains why a guarded update changed nothing.
func (s *PaymentService) missingOrInvalid(ctx context.Context, db *gorm.DB, intentID string) error {
	_, err := repo.GetPaymentIntent(ctx, db, intentID)
	switch {
	case err == nil:
		return ErrInvalidTransition
	case errors.Is(err, repo.ErrNotFound):
		return ErrPaymentIntentNotFound
	default:
		return err
	}
}

func (s *PaymentService) start(ctx context.Context, op, intentID string) (context.Context, trace.Span) {
	return otel.Tracer("services/PaymentService").Start(ctx, op,
		trace.WithAttributes(attribute.String("payment_intent.id", intentID)),
	)
}
