package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that ingests telemetry snapshots from Azure Service Bus`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if c.bus == nil {
		return errors.New("worker requires azure.queue_conn_str")
	}
	if cfg.Azure.QueueName == "" {
		return errors.New("worker requires azure.queue_name")
	}

	watchThresholds(c.gateway)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
		return c.bus.ProcessMessages(ctx, c.gateway.HandleMessage)
	})

	g.Go(func() error {
		return runHealthJob(ctx, c.gateway, cfg.Ingest.HealthInterval)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
