// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and PostgreSQL, and schema migrations.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-booking-core/internal/config"
	"github.com/tbourn/go-booking-core/internal/domain"
)

// Open connects to the configured database, installs the tracing plugin and
// verifies the connection with a ping bounded by ctx.
func Open(ctx context.Context, cfg config.DBConfig) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = OpenPostgres(cfg)
	case "sqlite", "":
		db, err = OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("repo: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("repo: tracing plugin: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("repo: ping: %w", err)
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// The pool is limited to a single connection: SQLite has one writer, so
// transactions from one handle are serialized on the Go side. Handles in
// other processes are kept apart by the database write lock; a transaction
// whose snapshot went stale fails with SQLITE_BUSY, surfaced as ErrRetryable.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// OpenPostgres opens a pooled PostgreSQL connection via pgx.
func OpenPostgres(cfg config.DBConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// AutoMigrate creates or updates the booking schema, including the partial
// unique index that allows at most one open payment intent per reservation.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Resource{},
		&domain.Reservation{},
		&domain.PaymentIntent{},
		&domain.WebhookJob{},
	); err != nil {
		return err
	}
	return db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_intents_open ON payment_intents (reservation_id) WHERE status IN (%d, %d)",
		domain.PaymentPending, domain.PaymentAuthorized,
	)).Error
}

// isPostgres reports whether db talks to PostgreSQL.
func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// txOptions returns the isolation used by admission and claim transactions.
// SQLite transactions are already serializable.
func txOptions(db *gorm.DB) *sql.TxOptions {
	if isPostgres(db) {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}
