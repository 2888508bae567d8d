package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-booking-core/internal/config"
	"github.com/tbourn/go-booking-core/internal/domain"
)

// newTestDB opens a fresh file-backed SQLite database with the production
// PRAGMAs and pool, migrated and with SQL logging silenced.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t, filepath.Join(t.TempDir(), "booking_test.db"))
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

// newTestDBPair opens two independent handles on one migrated database file,
// the way two service instances would share it.
func newTestDBPair(t *testing.T) (*gorm.DB, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared_test.db")
	a := openTestDB(t, path)
	if err := AutoMigrate(a); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return a, openTestDB(t, path)
}

func openTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
}

// untilSettled retries fn while it fails with ErrRetryable.
func untilSettled(t *testing.T, fn func() error) error {
	t.Helper()
	for i := 0; i < 200; i++ {
		err := fn()
		if !errors.Is(err, ErrRetryable) {
			return err
		}
		time.Sleep(time.Duration(1+i%5) * time.Millisecond)
	}
	return fmt.Errorf("still retryable after 200 attempts")
}

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}

	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}

	var (
		journalMode string
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d", busyMS)
	}

	// Single writer connection.
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected MaxOpenConnections=1, got %d", stats.MaxOpenConnections)
	}

	m := db.Migrator()
	for _, tbl := range []any{&domain.Resource{}, &domain.Reservation{}, &domain.PaymentIntent{}, &domain.WebhookJob{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&domain.Reservation{}, "idx_reservations_resource_window") {
		t.Fatalf("expected reservation window index")
	}
	if !m.HasIndex(&domain.WebhookJob{}, "idx_webhook_queue_claim") {
		t.Fatalf("expected webhook claim index")
	}
	if !m.HasIndex(&domain.PaymentIntent{}, "ux_payment_intents_open") {
		t.Fatalf("expected partial unique index on open intents")
	}

	// Migrations are idempotent.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestOpen_SQLiteDriver_PingsAndInstallsPlugin(t *testing.T) {
	cfg := config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "open.db")}
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(db.Config.Plugins) == 0 {
		t.Fatalf("expected tracing plugin to be registered, got %v", db.Config.Plugins)
	}
	if isPostgres(db) || txOptions(db) != nil {
		t.Fatalf("sqlite must not use postgres tx options")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DBConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestPartialUniqueIndex_RejectsSecondOpenIntent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &domain.PaymentIntent{ID: "pi-1", ReservationID: "r-1", Currency: "BRL", Status: domain.PaymentPending, Provider: "p"}
	if err := db.WithContext(ctx).Create(first).Error; err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := &domain.PaymentIntent{ID: "pi-2", ReservationID: "r-1", Currency: "BRL", Status: domain.PaymentAuthorized, Provider: "p"}
	err := db.WithContext(ctx).Create(second).Error
	if !isDuplicate(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	// Terminal intents are outside the index.
	closed := &domain.PaymentIntent{ID: "pi-3", ReservationID: "r-1", Currency: "BRL", Status: domain.PaymentCanceled, Provider: "p"}
	if err := db.WithContext(ctx).Create(closed).Error; err != nil {
		t.Fatalf("insert terminal intent: %v", err)
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
