// Package main provides a CLI tool for running job store migrations.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/storage"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	if err := migrate(cfg, *action); err != nil {
		logging.WithField("action", *action).Fatalf("Migration failed: %v", err)
	}
	_ = logging.GetGlobalLogger().Sync()
}

func migrate(cfg *config.Config, action string) error {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		// The SQLite schema is idempotent and applied when the store opens
		if action != "up" {
			return fmt.Errorf("action %q is only supported for postgres", action)
		}
		store, err := storage.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		logging.WithField("path", cfg.Database.SQLitePath).Info("SQLite schema applied")
		return store.Close()

	case config.DriverPostgres:
		return migratePostgres(cfg.Database.Postgres.URL(), action)

	default:
		return fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}
}

func migratePostgres(databaseURL, action string) error {
	switch action {
	case "up":
		logging.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL); err != nil {
			return err
		}
		logging.Info("Postgres migrations completed successfully")

	case "down":
		logging.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL); err != nil {
			return err
		}
		logging.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		logging.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
