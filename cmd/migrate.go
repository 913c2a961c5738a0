package cmd

import (
	"cequeue/internal/config"
	"cequeue/internal/infra/sqlstore"
	"cequeue/internal/logging"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var status bool
	var command = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL schema migrations of the postgres or sqlite store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log)
			if cfg.Store.Driver != config.DriverPostgres && cfg.Store.Driver != config.DriverSQLite {
				return fmt.Errorf("store driver %q has no migrations", cfg.Store.Driver)
			}

			s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer s.Close()

			if !status {
				if err := s.Migrate(ctx); err != nil {
					return err
				}
			}
			current, latest, err := s.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			log.Info().Int64("current", current).Int64("latest", latest).Msg("schema version")
			return nil
		},
	}

	command.Flags().BoolVar(&status, "status", false, "Only report the schema version")
	return command
}
