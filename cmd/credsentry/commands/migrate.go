package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/credsentry/internal/config"
	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/internal/store"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations to the credential store",
		Long: `Apply the embedded schema migrations for the configured SQL store.
Running it on an up-to-date schema is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver == config.DriverMemory {
				return cserrors.UserError{
					Message:    "The memory store has no schema to migrate",
					Suggestion: "Set store.driver to postgres or sqlite",
				}
			}

			s, err := store.OpenSQL(cmd.Context(), store.Dialect(cfg.Store.Driver), cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer s.Close()

			version, err := store.Migrate(s.DB(), s.Dialect())
			if err != nil {
				return err
			}
			logger.Debug("Migrations applied against %s", cfg.Store.Driver)
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s schema at version %d\n", cfg.Store.Driver, version)
			return nil
		},
	}
}
