package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a row does not exist or is not in a state
	// the operation applies to.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrRetryable wraps serialization failures, deadlocks and busy-database
	// errors. The whole transaction may be retried.
	ErrRetryable = errors.New("retryable storage conflict")

	// ErrInvalidInterval is returned for reservations whose start is not
	// strictly before their end.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrUnknownEvent is returned when enqueuing an unsupported payment event.
	ErrUnknownEvent = errors.New("unknown payment event")
)

// PostgreSQL SQLSTATEs for transactions that lost a concurrency race.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// isRetryable reports whether err means the transaction should be retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "sqlite_busy") ||
		strings.Contains(low, "database table is locked")
}

// classify wraps retryable errors in ErrRetryable and returns others as-is.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrRetryable) {
		return err
	}
	if isRetryable(err) {
		return errors.Join(ErrRetryable, err)
	}
	return err
}
