// Command webhook-worker delivers queued payment webhooks and serves the ops
// endpoints (/metrics, /queue/*) on OPS_PORT.
//
// Configuration comes from the environment, optionally seeded from a .env
// file in the working directory. SIGINT or SIGTERM stops claiming new jobs,
// lets in-flight acknowledgements finish and drains the ops server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-booking-core/internal/config"
	httpapi "github.com/tbourn/go-booking-core/internal/http"
	"github.com/tbourn/go-booking-core/internal/observability"
	"github.com/tbourn/go-booking-core/internal/repo"
	"github.com/tbourn/go-booking-core/internal/sysutil"
	"github.com/tbourn/go-booking-core/internal/webhook"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("webhook worker failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	// Schema must exist before the first claim.
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	disp, err := webhook.New(
		webhook.NewStore(db, webhook.PolicyFrom(cfg.Webhook)),
		webhook.ConfigFrom(cfg.Webhook),
	)
	if err != nil {
		return err
	}
	srv := httpapi.NewServer(db, cfg)

	log.Info().
		Str("version", ver).
		Str("db_driver", cfg.DB.Driver).
		Str("ops_addr", srv.Addr).
		Msg("webhook worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info().Msg("webhook worker stopped")
	return err
}
