package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/config"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/stores"
)

func newValidateCommand() *cobra.Command {
	var checkDB bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and access policies",
		Long: `Validate the config file against its schema and compile every access
policy it lists. With --check-db the database is opened and pinged.`,
		Example: `  flightdeck validate -c /etc/flightdeck/flightdeck.yaml
  flightdeck validate --check-db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Config file is valid: %s\n", configPath)

			policies, err := policy.NewEngine(zerolog.Nop())
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
					return err
				}
			}
			for _, p := range policies.ListPolicies() {
				kind := "file"
				if p.Builtin {
					kind = "builtin"
				}
				fmt.Fprintf(stdout, "✓ Policy %s (%s)\n", p.Name, kind)
			}

			if !checkDB || cfg.Database.Driver == config.DriverMemory {
				return nil
			}
			store, err := stores.NewSQLStore(cfg.Database.StoreConfig())
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("database health check failed: %w", err)
			}
			log.Debug().Str("driver", store.Driver()).Msg("Database reachable")
			fmt.Fprintf(stdout, "✓ Database reachable\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkDB, "check-db", false, "also connect to the database")

	return cmd
}
