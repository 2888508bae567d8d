// Package services defines the business logic for reservation admission and
// payment workflows. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing messages or transport status codes is the
// caller's concern.
package services

import "errors"

// Admission errors.
var (
	// ErrInvalidInterval is returned when a booking's start is not strictly
	// before its end.
	ErrInvalidInterval = errors.New("start must be before end")

	// ErrInvalidPrice is returned for negative prices.
	ErrInvalidPrice = errors.New("price must not be negative")

	// ErrUnsupportedCurrency is returned when the currency is not in the
	// configured allow-list.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrResourceUnavailable indicates that the resource does not exist or is
	// not accepting reservations.
	ErrResourceUnavailable = errors.New("resource unavailable")
)

// Workflow errors.
var (
	// ErrReservationNotFound indicates that the reservation does not exist.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrPaymentIntentNotFound indicates that the payment intent does not exist.
	ErrPaymentIntentNotFound = errors.New("payment intent not found")

	// ErrInvalidTransition is returned when the entity exists but its current
	// status does not allow the requested change.
	ErrInvalidTransition = errors.New("invalid status transition")
)
