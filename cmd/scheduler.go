package cmd

import (
	"context"
	"time"

	"example.com/backstage/services/telemetry/internal/ingest"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

const defaultHealthInterval = 30 * time.Second

// runHealthJob probes the pipeline's health on a fixed interval until ctx
// is cancelled. The probe keeps health gauges current for /metrics.
func runHealthJob(ctx context.Context, gateway *ingest.Gateway, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			status := gateway.Health(ctx)
			if !status.Healthy() {
				log.Warn().Str("database", status.Database).Msg("Durable store unreachable, serving from memory")
				return
			}
			log.Debug().Int("devices", status.Devices).Int("subscribers", status.Subscribers).Msg("Health check passed")
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", interval).Msg("Starting health check job")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
