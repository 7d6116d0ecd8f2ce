package store

import (
	"context"
	"fmt"

	"github.com/systmms/credsentry/internal/config"
	"github.com/systmms/credsentry/internal/logging"
)

// Open builds the store named by cfg and, for SQL drivers, applies
// migrations when AutoMigrate is set.
func Open(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (CredentialStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory credential store; state is lost on exit")
		return NewMemoryStore(), nil

	case config.DriverPostgres, config.DriverSQLite:
		dialect := Dialect(cfg.Driver)
		s, err := OpenSQL(ctx, dialect, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			version, err := Migrate(s.DB(), dialect)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			logger.Debug("Store schema at version %d (%s)", version, dialect)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
