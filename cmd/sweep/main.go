package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

func main() {
	var (
		logLevel string
		dryRun   bool
	)

	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&dryRun, "dry-run", false, "Report the cutoff without deleting anything")
	flag.Usage = printUsage
	flag.Parse()

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	cutoff := time.Now().UTC().Add(-cfg.Audit.Retention)
	log.Info("Retention sweep started",
		zap.Duration("retention", cfg.Audit.Retention),
		zap.Time("cutoff", cutoff),
		zap.Bool("dry_run", dryRun),
	)

	if dryRun {
		log.Info("Dry run, nothing deleted")
		return
	}

	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	ctx := context.Background()

	// Expired period counters only matter for the database-backed store;
	// the redis store lets keys expire on their own.
	if cfg.Counter.Backend == config.CounterBackendPostgres {
		counters := persistence.NewGormCounterStore(db.DB)
		deleted, err := counters.DeleteStale(ctx, cutoff)
		if err != nil {
			log.Fatal("Failed to delete stale counters", zap.Error(err))
		}
		log.Info("Stale counters deleted", zap.Int64("count", deleted))
	}

	if cfg.Audit.Enabled {
		events := persistence.NewUsageEventRepository(db.DB)
		deleted, err := events.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			log.Fatal("Failed to delete expired usage events", zap.Error(err))
		}
		log.Info("Expired usage events deleted", zap.Int64("count", deleted))
	}

	log.Info("Retention sweep finished")
}

func printUsage() {
	fmt.Println(`Metering Retention Sweep

Deletes usage counters for expired periods and audit events older than the
configured audit retention window. Intended to run from cron.

Usage:
  sweep [flags]

Flags:
  -dry-run              Report the cutoff without deleting anything
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment Variables:
  METERING_AUDIT_RETENTION controls the retention window (default: 2160h)
  METERING_DATABASE_HOST, METERING_DATABASE_PORT, METERING_DATABASE_USER,
  METERING_DATABASE_PASSWORD, METERING_DATABASE_DBNAME, METERING_DATABASE_SSLMODE`)
}
