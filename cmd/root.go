package cmd

import (
	"os"

	"example.com/backstage/services/telemetry/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Used for flags
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "telemetry-service",
	Short: "Factory telemetry ingestion service",
	Long: `Telemetry service that ingests equipment snapshots, evaluates alert
rules and streams live state to andon dashboards.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "config file or directory holding config.yaml or app.env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides logging.level")
}

// loadConfig loads configuration and applies its logging settings
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

// setupLogging configures the global logger. The --log-level flag wins
// over the configured level.
func setupLogging(cfg config.Config) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil && parsed != zerolog.NoLevel {
		zerolog.SetGlobalLevel(parsed)
	}

	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
