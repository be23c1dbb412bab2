package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/config"
	"github.com/openfroyo/flightdeck/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		driver string
		dsn    string
		domain string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create the database",
		Long: `Write a default config file and, for sqlite and postgres, create the
database schema. An existing config file is never overwritten.`,
		Example: `  # Local sqlite database and in-memory cloud
  flightdeck init

  # Postgres
  flightdeck init --driver postgres --dsn postgres://flightdeck@localhost/flightdeck`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if driver != "" {
				cfg.Database.Driver = driver
			}
			if dsn != "" {
				cfg.Database.DSN = dsn
			}
			if domain != "" {
				cfg.Service.Domain = domain
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().
				Str("config", configPath).
				Str("driver", cfg.Database.Driver).
				Msg("Initializing flightdeck")

			if err := config.Write(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Created config file: %s\n", configPath)

			if cfg.Database.Driver == config.DriverMemory {
				return nil
			}

			ctx := cmd.Context()
			store, err := stores.NewSQLStore(cfg.Database.StoreConfig())
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(stdout, "✓ Initialized %s database: %s\n", cfg.Database.Driver, cfg.Database.DSN)
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "database driver (sqlite, postgres, memory)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database file or connection URL")
	cmd.Flags().StringVar(&domain, "domain", "", "host part of job result URLs")

	return cmd
}
