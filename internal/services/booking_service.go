// Package services – BookingService
//
// This file implements BookingService, which admits reservations for a shared
// resource and couples each admitted reservation to a payment intent. The
// non-overlap guarantee comes from the storage transaction in
// repo.CreateReservationIfNoOverlap; this layer validates input, checks the
// resource, retries transactions that lost a serialization race, and records
// admission metrics.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/config"
	"github.com/tbourn/go-booking-core/internal/domain"
	"github.com/tbourn/go-booking-core/internal/repo"
)

const maxNotesRunes = 500

// BookingRequest is a request to reserve [Start, End) of a resource.
type BookingRequest struct {
	UserID     string
	ResourceID string
	Start      time.Time
	End        time.Time
	PriceCents int64
	Currency   string
	Notes      *string
}

// Admission is the result of Book. When Created is false the slot was taken
// and nothing was written.
type Admission struct {
	Created              bool
	ReservationID        string
	PaymentIntentID      string
	PaymentIntentExisted bool
}

// BookingService coordinates reservation admission and payment coupling.
type BookingService struct {
	DB *gorm.DB

	// Provider is recorded on new payment intents.
	Provider string
	// Currencies is the upper-case allow-list; empty allows any.
	Currencies []string

	// Retry policy for serialization failures.
	MaxRetries int
	RetryBase  time.Duration
}

// NewBookingService builds a BookingService from the admission settings.
func NewBookingService(db *gorm.DB, cfg config.AdmissionConfig) *BookingService {
	return &BookingService{
		DB:         db,
		Provider:   cfg.Provider,
		Currencies: slices.Clone(cfg.Currencies),
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
	}
}

// Book validates req and admits it if no blocking reservation overlaps.
//
// Semantics:
//   - Invalid input yields ErrInvalidInterval, ErrInvalidPrice or
//     ErrUnsupportedCurrency; a missing or inactive resource yields
//     ErrResourceUnavailable.
//   - A conflict yields Admission{Created: false} and a nil error.
//   - On success the reservation is coupled to a Pending payment intent for
//     PriceCents. Coupling runs after the admission commits and is idempotent,
//     so a failed coupling returns the admitted reservation together with the
//     error and may be retried with CreatePaymentIntent.
//   - Storage conflicts are retried up to MaxRetries times with exponential
//     backoff, then surfaced wrapping repo.ErrRetryable.
func (s *BookingService) Book(ctx context.Context, req BookingRequest) (Admission, error) {
	tr := otel.Tracer("services/BookingService")
	ctx, span := tr.Start(ctx, "Book",
		trace.WithAttributes(
			attribute.String("resource.id", req.ResourceID),
			attribute.String("user.id", req.UserID),
		),
	)
	defer span.End()

	currency, err := s.validate(&req)
	if err != nil {
		admissions.WithLabelValues("rejected").Inc()
		return Admission{}, err
	}

	res, err := repo.GetResource(ctx, s.DB, req.ResourceID)
	if err != nil {
		if isNotFound(err) {
			admissions.WithLabelValues("rejected").Inc()
			return Admission{}, ErrResourceUnavailable
		}
		return Admission{}, err
	}
	if !res.Active {
		admissions.WithLabelValues("rejected").Inc()
		return Admission{}, ErrResourceUnavailable
	}

	r := &domain.Reservation{
		UserID:     req.UserID,
		ResourceID: req.ResourceID,
		StartTime:  req.Start,
		EndTime:    req.End,
		Status:     domain.ReservationScheduled,
		PriceCents: req.PriceCents,
		Currency:   currency,
		Notes:      req.Notes,
	}
	created, id, err := s.admit(ctx, r)
	if err != nil {
		admissions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		return Admission{}, err
	}
	if !created {
		admissions.WithLabelValues("conflict").Inc()
		span.SetAttributes(attribute.Bool("booking.created", false))
		return Admission{}, nil
	}
	admissions.WithLabelValues("created").Inc()
	span.SetAttributes(attribute.Bool("booking.created", true), attribute.String("reservation.id", id))

	out := Admission{Created: true, ReservationID: id}
	cr, err := repo.CreatePaymentIntentForReservation(ctx, s.DB, id, req.PriceCents, currency, s.Provider)
	if err != nil {
		log.Error().Err(err).Str("reservation_id", id).Msg("payment intent coupling failed")
		return out, fmt.Errorf("couple payment intent: %w", err)
	}
	out.PaymentIntentID = cr.ID
	out.PaymentIntentExisted = cr.Outcome == repo.AlreadyExists
	return out, nil
}

// CreatePaymentIntent couples an existing reservation to an open payment
// intent for its price. It is safe to call repeatedly.
func (s *BookingService) CreatePaymentIntent(ctx context.Context, reservationID string) (repo.CreateResult, error) {
	r, err := repo.GetReservation(ctx, s.DB, reservationID)
	if err != nil {
		if isNotFound(err) {
			return repo.CreateResult{}, ErrReservationNotFound
		}
		return repo.CreateResult{}, err
	}
	return repo.CreatePaymentIntentForReservation(ctx, s.DB, r.ID, r.PriceCents, r.Currency, s.Provider)
}

// Cancel cancels a Scheduled reservation, cancels its open payment intents,
// and enqueues a payment.canceled webhook for each canceled intent, all in
// one transaction.
//
// Errors: ErrReservationNotFound, or ErrInvalidTransition when the
// reservation is no longer Scheduled.
func (s *BookingService) Cancel(ctx context.Context, reservationID string, byAdmin bool) error {
	tr := otel.Tracer("services/BookingService")
	ctx, span := tr.Start(ctx, "Cancel",
		trace.WithAttributes(
			attribute.String("reservation.id", reservationID),
			attribute.Bool("by_admin", byAdmin),
		),
	)
	defer span.End()

	var enqueued int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.CancelReservation(ctx, tx, reservationID, byAdmin)
		if err != nil {
			return err
		}
		if !ok {
			if _, gerr := repo.GetReservation(ctx, tx, reservationID); isNotFound(gerr) {
				return ErrReservationNotFound
			}
			return ErrInvalidTransition
		}

		intents, err := repo.ListPaymentIntentsByReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if _, err := repo.CancelPaymentIntentsByReservation(ctx, tx, reservationID); err != nil {
			return err
		}
		for _, pi := range intents {
			if !pi.Status.Open() {
				continue
			}
			if _, err := repo.EnqueuePaymentEvent(ctx, tx, pi.ID, domain.EventPaymentCanceled, pi.ProviderRef, nil); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if enqueued > 0 {
		paymentEvents.WithLabelValues(domain.EventPaymentCanceled).Add(float64(enqueued))
	}
	return nil
}

// validate normalizes req in place and returns the upper-case currency.
func (s *BookingService) validate(req *BookingRequest) (string, error) {
	if !req.Start.Before(req.End) {
		return "", ErrInvalidInterval
	}
	if req.PriceCents < 0 {
		return "", ErrInvalidPrice
	}
	currency := cases.Upper(language.Und).String(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return "", ErrUnsupportedCurrency
	}
	if len(s.Currencies) > 0 && !slices.Contains(s.Currencies, currency) {
		return "", ErrUnsupportedCurrency
	}
	if req.Notes != nil {
		n := strings.TrimSpace(*req.Notes)
		if n == "" {
			req.Notes = nil
		} else {
			if utf8.RuneCountInString(n) > maxNotesRunes {
				n = string([]rune(n)[:maxNotesRunes])
			}
			req.Notes = &n
		}
	}
	return currency, nil
}

// admit runs the admission transaction, retrying lost serialization races.
func (s *BookingService) admit(ctx context.Context, r *domain.Reservation) (bool, string, error) {
	type result struct {
		created bool
		id      string
	}

	eb := backoff.NewExponentialBackOff()
	if s.RetryBase > 0 {
		eb.InitialInterval = s.RetryBase
	}
	eb.MaxInterval = 2 * time.Second

	attempt := 0
	res, err := backoff.Retry(ctx, func() (result, error) {
		if attempt > 0 {
			admissionRetries.Inc()
		}
		attempt++
		// Each attempt starts from a clean row.
		cand := *r
		created, id, err := repo.CreateReservationIfNoOverlap(ctx, s.DB, &cand)
		if err != nil {
			if errors.Is(err, repo.ErrRetryable) {
				return result{}, err
			}
			return result{}, backoff.Permanent(err)
		}
		return result{created: created, id: id}, nil
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(s.MaxRetries+1)),
	)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidInterval) {
			return false, "", ErrInvalidInterval
		}
		return false, "", err
	}
	return res.created, res.id, nil
}

// isNotFound treats repo-level not found sentinels as "not found" in a
// driver-agnostic way.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
