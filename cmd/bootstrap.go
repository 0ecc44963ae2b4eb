package cmd

import (
	"context"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/alerts"
	"example.com/backstage/services/telemetry/internal/broadcast"
	"example.com/backstage/services/telemetry/internal/cache"
	"example.com/backstage/services/telemetry/internal/database"
	"example.com/backstage/services/telemetry/internal/devices"
	"example.com/backstage/services/telemetry/internal/ingest"
	"example.com/backstage/services/telemetry/internal/messaging"
	"example.com/backstage/services/telemetry/internal/metrics"
	"example.com/backstage/services/telemetry/internal/search"
	"example.com/backstage/services/telemetry/internal/state"
	"example.com/backstage/services/telemetry/internal/store"
	"example.com/backstage/services/telemetry/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// components holds everything a command needs to run the pipeline
type components struct {
	gateway *ingest.Gateway
	hub     *broadcast.Hub
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	bus     *messaging.ServiceBus
	closers []func() error
}

// close releases resources in reverse order of acquisition
func (c *components) close() {
	c.gateway.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	c.tracer.Close()
}

// buildComponents wires the ingestion pipeline from configuration. Optional
// backends that fail to initialise are logged and left out.
func buildComponents(ctx context.Context, cfg config.Config) (*components, error) {
	c := &components{metrics: metrics.NewMetrics()}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	c.tracer = tracer

	durable, db := openStore(cfg)
	c.closers = append(c.closers, durable.Close)

	registry := devices.NewRegistry(db)

	engine, err := alerts.NewEngine(cfg.Alerts.Thresholds)
	if err != nil {
		return nil, errors.Wrap(err, "invalid alert thresholds")
	}

	c.hub = broadcast.NewHub(cfg.Broadcast.QueueSize, c.metrics)

	opts := ingest.Options{
		Config: ingest.Config{
			StoreWriteTimeout:   cfg.Ingest.StoreWriteTimeout,
			HistoryLimit:        cfg.Ingest.HistoryLimit,
			DefaultHistoryHours: cfg.Ingest.DefaultHistoryHours,
		},
		Store:    durable,
		Cache:    state.NewCache(),
		Engine:   engine,
		Ledger:   alerts.NewLedger(cfg.Alerts.LedgerCapacity),
		Hub:      c.hub,
		Registry: registry,
		Metrics:  c.metrics,
		Tracer:   tracer,
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without a shared mirror")
	} else if redisCache.Enabled() {
		opts.Mirror = redisCache
		c.closers = append(c.closers, redisCache.Close)
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err == nil {
			err = elasticClient.EnsureIndex(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without alert search")
		} else {
			opts.Index = elasticClient
		}
	}

	if cfg.Azure.QueueConnStr != "" {
		bus, err := messaging.NewServiceBus(cfg.Azure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Azure Service Bus, continuing without alert publishing")
		} else {
			c.bus = bus
			if cfg.Azure.AlertTopic != "" {
				opts.Publisher = bus
			}
			c.closers = append(c.closers, bus.Close)
		}
	}

	c.gateway, err = ingest.NewGateway(opts)
	if err != nil {
		return nil, err
	}

	// Prepares the schema and loads the registry when the store is up;
	// otherwise the health job retries.
	if status := c.gateway.Health(ctx); !status.Healthy() {
		log.Warn().Str("database", status.Database).Msg("Durable store unreachable, serving from memory until it recovers")
	}
	return c, nil
}

// openStore creates the configured durable store. Connections are opened
// lazily, so a store that is down at start-up is picked up once it recovers.
func openStore(cfg config.Config) (store.Store, database.DB) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		db, err := database.Connect(cfg.DB)
		if err != nil {
			log.Error().Err(err).Msg("Invalid PostgreSQL configuration, running with in-memory state only")
			return store.NopStore{}, nil
		}
		return store.NewPostgresStore(db), db
	case config.DriverMongo:
		mongoStore, err := store.NewMongoStore(cfg.Mongo)
		if err != nil {
			log.Error().Err(err).Msg("Invalid MongoDB configuration, running with in-memory state only")
			return store.NopStore{}, nil
		}
		return mongoStore, nil
	default:
		log.Info().Msg("No durable store configured, running with in-memory state only")
		return store.NopStore{}, nil
	}
}

// watchThresholds applies alert threshold edits from the config file
func watchThresholds(gateway *ingest.Gateway) {
	err := config.WatchThresholds(cfgPath, func(th alerts.Thresholds) {
		if err := gateway.UpdateThresholds(th); err != nil {
			log.Error().Err(err).Msg("Rejected reloaded alert thresholds")
		}
	})
	if err != nil {
		log.Debug().Err(err).Msg("Threshold hot reload disabled")
	}
}
