package storage

import (
	"fmt"

	"github.com/cctp-relayer/internal/config"
)

// Open returns the job store selected by cfg.Driver. Postgres migrations are
// applied before the store is returned.
func Open(cfg *config.DatabaseConfig) (JobStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.SQLitePath)

	case config.DriverPostgres:
		if err := RunMigrations(cfg.Postgres.URL()); err != nil {
			return nil, err
		}
		db, err := NewPostgresDB(&cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
