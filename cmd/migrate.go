package cmd

import (
	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/database"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the PostgreSQL schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DB.Driver != config.DriverPostgres {
		return errors.Errorf("migrations need the %s driver, configured driver is %q", config.DriverPostgres, cfg.DB.Driver)
	}

	log.Info().Msg("Connecting to database...")
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("Running database migrations...")
	if err := database.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "failed to run database migrations")
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
