package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"file-relay/internal/archive"
	"file-relay/internal/config"
	"file-relay/internal/db"
	"file-relay/internal/expiry"
	"file-relay/internal/keys"
	"file-relay/internal/metrics"
	"file-relay/internal/server"
	"file-relay/internal/store"
	"file-relay/internal/transfer"
)

const (
	shutdownTimeout      = 30 * time.Second
	migrateRetryInterval = 15 * time.Second
)

// openStore opens the configured metadata store. An unreachable Postgres is
// not an error here: it is logged and returned as unmigrated, and the breaker
// and scheduler deal with it.
func openStore(cfg *config.Config) (st store.Store, unmigrated *sql.DB, err error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		conn, err := db.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(conn); err != nil {
			log.Warn().Str("service", "backend").Err(err).Msg("db_unreachable_at_startup")
			return store.NewPostgres(conn), conn, nil
		}
		log.Info().Str("service", "backend").Msg("running_migrations")
		if err := db.RunMigrations(conn); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info().Str("service", "backend").Msg("migrations_complete")
		return store.NewPostgres(conn), nil, nil
	case config.DriverBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, nil, err
		}
		b, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// migrateLater applies the migrations once a database that was down at
// startup answers, then sweeps so the registry picks up surviving keys.
func migrateLater(ctx context.Context, conn *sql.DB, scheduler *expiry.Scheduler) {
	if err := db.MigrateWhenReachable(ctx, conn, migrateRetryInterval); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Str("service", "backend").Err(err).Msg("migration_failed")
		}
		return
	}
	log.Info().Str("service", "backend").Msg("migrations_complete")
	if _, err := scheduler.RunOnce(ctx); err != nil {
		log.Warn().Str("service", "backend").Err(err).Msg("post_migration_sweep_failed")
	}
}

// newArchiver builds the backup archiver. A broken off-site target disables
// the copy instead of failing startup.
func newArchiver(ctx context.Context, cfg *config.Config) *archive.Archiver {
	opts := []archive.Option{archive.WithRetention(cfg.BackupRetention)}
	if cfg.S3.Enabled() {
		off, err := archive.NewOffsite(ctx, archive.OffsiteConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			log.Warn().Str("service", "archive").Err(err).Msg("offsite_disabled")
		} else {
			opts = append(opts, archive.WithOffsite(off))
			log.Info().Str("service", "archive").Str("bucket", cfg.S3.Bucket).Msg("offsite_enabled")
		}
	}
	return archive.New(cfg.BackupDir, opts...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Str("service", "backend").Msg(err.Error())
		return err
	}

	started := time.Now()
	log.Info().Str("service", "backend").Str("version", Version).Str("commit", Commit).
		Time("started_at", started).Msg("relay_starting")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	base, unmigrated, err := openStore(cfg)
	if err != nil {
		log.Error().Str("service", "backend").Err(err).Msg("store_open_failed")
		return err
	}
	defer func() { _ = base.Close() }()

	breaker := store.NewCircuitBreaker(5, 30*time.Second)
	st := store.NewGuarded(base, breaker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := keys.NewRegistry()
	m := metrics.New()
	m.ObserveActiveKeys(registry.Len)

	archiver := newArchiver(ctx, cfg)
	pipeline := transfer.New(cfg.DataDir, st, registry,
		transfer.WithArchiver(archiver),
		transfer.WithMetrics(m))

	scheduler := expiry.New(st, registry,
		expiry.Config{TTL: cfg.TTL, Interval: cfg.SweepInterval},
		expiry.WithPruner(archiver),
		expiry.WithMetrics(m))

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		APIKey:         cfg.APIKey,
		DataDir:        cfg.DataDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Capacity:       cfg.Capacity,
		RateLimitRPS:   cfg.RateLimit(),
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        Version,
	}, server.Deps{
		Store:    st,
		Registry: registry,
		Pipeline: pipeline,
		Metrics:  m,
		Breaker:  breaker,
	})

	ln, err := srv.Listen()
	if err != nil {
		log.Error().Str("service", "backend").Str("addr", cfg.Addr).Err(err).Msg("listen_failed")
		return err
	}

	// Repopulate the registry before the first request so Allocate cannot
	// hand out a key that still has a live record.
	if _, err := scheduler.RunOnce(ctx); err != nil {
		log.Warn().Str("service", "backend").Err(err).Msg("startup_sweep_failed")
	}
	if unmigrated != nil {
		go migrateLater(ctx, unmigrated, scheduler)
	}
	scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("service", "backend").Str("addr", ln.Addr().String()).
			Str("store", cfg.StoreDriver).Str("ttl", cfg.TTL.String()).Msg("starting")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info().Str("service", "backend").Msg("shutting_down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("service", "backend").Err(err).Msg("server_error")
			scheduler.Stop()
			return err
		}
	}

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("service", "backend").Err(err).Msg("shutdown_error")
		return err
	}
	log.Info().Str("service", "backend").
		Str("uptime", time.Since(started).Truncate(time.Second).String()).Msg("shutdown_complete")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	archiver := archive.New(cfg.BackupDir, archive.WithRetention(cfg.BackupRetention))
	rep, err := expiry.New(st, keys.NewRegistry(),
		expiry.Config{TTL: cfg.TTL, Interval: cfg.SweepInterval},
		expiry.WithPruner(archiver),
	).RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d file_errors=%d record_errors=%d pruned=%d\n",
		rep.Scanned, rep.Expired, rep.FileErrors, rep.RecordErrors, rep.Pruned)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	conn, err := db.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := db.Ping(conn); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	log.Info().Str("service", "backend").Msg("running_migrations")
	if err := db.RunMigrations(conn); err != nil {
		log.Error().Str("service", "backend").Err(err).Msg("migration_failed")
		return err
	}
	log.Info().Str("service", "backend").Msg("migrations_complete")
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
