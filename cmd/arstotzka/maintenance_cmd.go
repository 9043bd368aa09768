package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka"
	"github.com/MapColonies/arstotzka/internal/svcfields"
)

// maintenanceConfig resolves the server configuration for one-shot commands.
// A --store given to the subcommand wins over env and config file.
func maintenanceConfig(cmd *cobra.Command) (arstotzka.Config, error) {
	var cfg arstotzka.Config
	if _, err := loadConfigFile(); err != nil {
		return cfg, err
	}
	if err := bindConfig(&cfg); err != nil {
		return cfg, err
	}
	if flag := cmd.Flags().Lookup("store"); flag != nil && flag.Changed {
		cfg.Store = flag.Value.String()
	}
	return cfg, nil
}

func newMigrateCommand(baseLogger pslog.Logger) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Example: `  # Apply the schema to the configured store
  ARSTOTZKA_STORE=postgres://arstotzka@db/arstotzka?sslmode=disable arstotzka migrate

  # Print the DDL instead of applying it
  arstotzka migrate --print`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				_, err := fmt.Fprint(cmd.OutOrStdout(), arstotzka.PostgresSchema())
				return err
			}
			cfg, err := maintenanceConfig(cmd)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(applyLogLevel(baseLogger), "cli.migrate")
			if err := arstotzka.Migrate(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
	cmd.Flags().String("store", "", "postgres store URL (defaults to the configured store)")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema DDL and exit")
	return cmd
}

func newSeedCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [file]",
		Short: "Load namespaces, services and blocks into the registry",
		Long: `Seed registers the namespaces, services and blocks of a YAML seed file.
Services that already exist by name are kept, so the command is safe to run
repeatedly. Without a file the built-in pipeline topology is applied.`,
		Example: `  # Apply the built-in topology
  arstotzka seed --store postgres://arstotzka@db/arstotzka?sslmode=disable

  # Apply a custom topology
  arstotzka seed ./registry.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 1 {
				path, err := expandPath(args[0])
				if err != nil {
					return err
				}
				if data, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("read seed file: %w", err)
				}
			}
			cfg, err := maintenanceConfig(cmd)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(applyLogLevel(baseLogger), "cli.seed")
			res, err := arstotzka.SeedRegistry(cmd.Context(), cfg, data, logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{
				"namespaces": res.Namespaces,
				"services":   res.Services,
				"blocks":     res.Blocks,
				"skipped":    res.Skipped,
			})
		},
	}
	cmd.Flags().String("store", "", "postgres store URL (defaults to the configured store)")
	return cmd
}
