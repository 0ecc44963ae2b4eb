package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/telemetry/internal/alerts"
	"example.com/backstage/services/telemetry/internal/broadcast"
	"example.com/backstage/services/telemetry/internal/devices"
	"example.com/backstage/services/telemetry/internal/messaging"
	"example.com/backstage/services/telemetry/internal/metrics"
	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/state"
	"example.com/backstage/services/telemetry/internal/store"
	"example.com/backstage/services/telemetry/internal/tracing"
	"example.com/backstage/services/telemetry/internal/validation"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultStoreWriteTimeout = 2 * time.Second
	defaultHistoryLimit      = 10000
	defaultHistoryHours      = 24
	sideEffectTimeout        = 5 * time.Second
)

// Broadcaster fans events out to live subscribers
type Broadcaster interface {
	Broadcast(ev broadcast.Event)
	Count() int
}

// LatestMirror keeps a shared copy of the latest device state
type LatestMirror interface {
	PutLatest(ctx context.Context, snap models.Snapshot) error
	DeleteLatest(ctx context.Context, deviceID string) error
	Latest(ctx context.Context) (map[string]models.Snapshot, error)
}

// AlertIndex makes alerts searchable
type AlertIndex interface {
	IndexAlert(ctx context.Context, alert models.Alert, deviceType models.DeviceType) error
	SearchAlerts(ctx context.Context, q string, size int) ([]map[string]interface{}, error)
}

// Config tunes the gateway
type Config struct {
	StoreWriteTimeout   time.Duration
	HistoryLimit        int
	DefaultHistoryHours int
}

// Options wires the gateway's collaborators. Store, Cache, Engine, Ledger,
// Hub and Registry are required; the rest are optional.
type Options struct {
	Config    Config
	Store     store.Store
	Cache     *state.Cache
	Engine    *alerts.Engine
	Ledger    *alerts.Ledger
	Hub       Broadcaster
	Registry  *devices.Registry
	Mirror    LatestMirror
	Index     AlertIndex
	Publisher messaging.AlertPublisher
	Metrics   *metrics.Metrics
	Tracer    tracing.Tracer
}

// Result is returned for an accepted snapshot
type Result struct {
	Status   string         `json:"status"`
	DeviceID string         `json:"device_id"`
	StoredTo string         `json:"stored"`
	Accepted bool           `json:"accepted"`
	Alerts   []models.Alert `json:"alerts,omitempty"`
}

// HealthStatus describes service health
type HealthStatus struct {
	Status      string    `json:"status"`
	Database    string    `json:"database"`
	API         string    `json:"api"`
	Devices     int       `json:"devices"`
	Subscribers int       `json:"subscribers"`
	Timestamp   time.Time `json:"timestamp"`
}

// Healthy reports whether every dependency is reachable
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// Gateway runs the ingestion pipeline: validate, persist, update current
// state, evaluate alerts and fan out
type Gateway struct {
	cfg        Config
	store      store.Store
	cache      *state.Cache
	engine     *alerts.Engine
	ledger     *alerts.Ledger
	hub        Broadcaster
	registry   *devices.Registry
	mirror     LatestMirror
	index      AlertIndex
	publisher  messaging.AlertPublisher
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
	schema     store.SchemaManager
	ready      atomic.Bool
	pending    sync.WaitGroup
	mirrorOps  chan mirrorOp
	mirrorDone sync.WaitGroup
	stopped    chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

// NewGateway creates an ingestion gateway
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Engine == nil || opts.Ledger == nil || opts.Hub == nil || opts.Registry == nil {
		return nil, errors.New("gateway requires store, cache, engine, ledger, hub and registry")
	}

	cfg := opts.Config
	if cfg.StoreWriteTimeout <= 0 {
		cfg.StoreWriteTimeout = defaultStoreWriteTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.DefaultHistoryHours <= 0 {
		cfg.DefaultHistoryHours = defaultHistoryHours
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	g := &Gateway{
		cfg:       cfg,
		store:     opts.Store,
		cache:     opts.Cache,
		engine:    opts.Engine,
		ledger:    opts.Ledger,
		hub:       opts.Hub,
		registry:  opts.Registry,
		mirror:    opts.Mirror,
		index:     opts.Index,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		tracer:    tracer,
		mirrorOps: make(chan mirrorOp, mirrorQueueSize),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}
	if sm, ok := opts.Store.(store.SchemaManager); ok {
		g.schema = sm
	}
	if g.mirror != nil {
		g.mirrorDone.Add(1)
		go g.runMirror()
	}
	return g, nil
}

// Ingest validates a raw JSON payload and runs it through the pipeline.
// The only error returned is a wrapped models.ErrInvalidPayload.
func (g *Gateway) Ingest(ctx context.Context, raw []byte) (Result, error) {
	snap, err := validation.Validate(raw)
	if err != nil {
		g.metrics.IncrementCounter(metrics.SnapshotsRejected)
		return Result{Status: "error", DeviceID: PeekDeviceID(raw)}, err
	}
	return g.admit(ctx, snap), nil
}

// IngestRequest runs an already decoded request through the pipeline
func (g *Gateway) IngestRequest(ctx context.Context, req models.IngestRequest) (Result, error) {
	snap, err := validation.ValidateRequest(req)
	if err != nil {
		g.metrics.IncrementCounter(metrics.SnapshotsRejected)
		return Result{Status: "error", DeviceID: req.DeviceID}, err
	}
	return g.admit(ctx, snap), nil
}

// BatchItem is the outcome of one payload of a batch
type BatchItem struct {
	Result
	Error string `json:"error,omitempty"`
}

// IngestBatch ingests a JSON array of payloads. Invalid items are reported
// individually and do not affect the rest of the batch.
func (g *Gateway) IngestBatch(ctx context.Context, raw []byte) ([]BatchItem, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(models.ErrInvalidPayload, "batch must be a JSON array")
	}

	out := make([]BatchItem, 0, len(items))
	for _, item := range items {
		res, err := g.Ingest(ctx, item)
		bi := BatchItem{Result: res}
		if err != nil {
			bi.Error = err.Error()
		}
		out = append(out, bi)
	}
	return out, nil
}

// PeekDeviceID extracts the device id of a payload that failed validation
func PeekDeviceID(raw []byte) string {
	var probe struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.DeviceID
}

func (g *Gateway) admit(ctx context.Context, snap models.Snapshot) Result {
	start := time.Now()
	ctx, txn := g.tracer.StartTransaction(ctx, "ingest")
	defer g.tracer.EndTransaction(txn)
	g.tracer.AddAttribute(ctx, "device_id", snap.DeviceID)

	logger := log.With().Str("device_id", snap.DeviceID).Logger()

	snap = snap.WithSequence(g.cache.NextSequence(snap.DeviceID))

	storedTo := g.persist(ctx, snap)

	accepted := g.cache.Upsert(snap)
	if accepted {
		g.mirrorLatest(snap)
	} else {
		logger.Debug().Err(models.ErrStaleSnapshot).Uint64("sequence", snap.Sequence).Msg("Snapshot older than cached state")
		g.metrics.IncrementCounter(metrics.SnapshotsStale)
	}

	deviceType, changed := g.registry.Resolve(snap)
	if changed {
		deviceID := snap.DeviceID
		g.background(func(ctx context.Context) {
			if err := g.registry.Persist(ctx, deviceID); err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to persist equipment")
			}
		})
	}
	raised := g.engine.Evaluate(snap.DeviceID, deviceType, snap.Metrics, g.now().UTC())
	if len(raised) > 0 {
		g.ledger.Append(raised...)
		g.metrics.IncrementCounterBy(metrics.AlertsRaised, int64(len(raised)))
		for _, a := range raised {
			logger.Info().Str("severity", string(a.Severity)).Str("metric", a.Metric).Msg(a.Message)
		}
	}

	g.hub.Broadcast(broadcast.Event{Type: broadcast.EventTelemetry, Data: snap})
	for _, a := range raised {
		g.hub.Broadcast(broadcast.Event{Type: broadcast.EventAlert, Data: a})
	}

	g.dispatchAlerts(raised, deviceType)

	g.metrics.IncrementCounter(metrics.SnapshotsIngested)
	g.metrics.RecordTimer(metrics.IngestLatency, time.Since(start))

	return Result{
		Status:   "ok",
		DeviceID: snap.DeviceID,
		StoredTo: storedTo,
		Accepted: accepted,
		Alerts:   raised,
	}
}

// persist offers the snapshot to the durable store within the write timeout
func (g *Gateway) persist(ctx context.Context, snap models.Snapshot) string {
	seg := g.tracer.StartSegment(ctx, "store.append")
	defer seg.End()

	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreWriteTimeout)
	defer cancel()

	start := time.Now()
	err := g.store.Append(writeCtx, snap)
	g.metrics.RecordTimer(metrics.StoreWriteLatency, time.Since(start))

	if err != nil {
		err = errors.Wrap(models.ErrStoreUnavailable, err.Error())
		log.Warn().Err(err).Str("device_id", snap.DeviceID).Msg("Durable write failed, keeping snapshot in memory")
		g.metrics.RecordError(metrics.StoreWrites)
		g.metrics.IncrementCounter(metrics.StoreUnavailable)
		g.tracer.RecordError(ctx, err)
		return models.StoredMemory
	}

	g.metrics.RecordSuccess(metrics.StoreWrites)
	return models.StoredDatabase
}

// dispatchAlerts persists, indexes and publishes alerts off the request path
func (g *Gateway) dispatchAlerts(raised []models.Alert, deviceType models.DeviceType) {
	if len(raised) == 0 {
		return
	}
	g.background(func(ctx context.Context) {
		if err := g.store.AppendAlerts(ctx, raised); err != nil {
			log.Debug().Err(err).Int("alerts", len(raised)).Msg("Failed to persist alerts")
		}
		for _, a := range raised {
			if g.index != nil {
				if err := g.index.IndexAlert(ctx, a, deviceType); err != nil {
					log.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("Failed to index alert")
				}
			}
			if g.publisher != nil {
				if err := g.publisher.PublishAlert(ctx, a); err != nil {
					log.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("Failed to publish alert")
				}
			}
		}
	})
}

func (g *Gateway) background(fn func(ctx context.Context)) {
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background side effects have finished
func (g *Gateway) Wait() {
	g.pending.Wait()
}

// Close flushes queued mirror updates and waits for background side effects.
// Ingestion after Close no longer reaches the mirror.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.stopped)
	})
	g.mirrorDone.Wait()
	g.pending.Wait()
}

// Latest returns the current state of every device. Devices held in the
// cache come from the cache; the others come from the shared mirror or the
// durable store, whichever holds the newer snapshot. Deactivated devices
// are left out.
func (g *Gateway) Latest(ctx context.Context) map[string]models.Snapshot {
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreWriteTimeout)
	defer cancel()

	out := make(map[string]models.Snapshot)
	persisted, err := g.store.Latest(readCtx)
	if err != nil {
		log.Debug().Err(err).Msg("Durable store unavailable for latest state")
	}
	for id, snap := range persisted {
		out[id] = snap
	}

	if g.mirror != nil {
		mirrored, err := g.mirror.Latest(readCtx)
		if err != nil {
			log.Debug().Err(err).Msg("Mirror unavailable for latest state")
		}
		for id, snap := range mirrored {
			if cur, ok := out[id]; !ok || snap.Timestamp.After(cur.Timestamp) {
				out[id] = snap
			}
		}
	}

	for id, snap := range out {
		if eq, ok := g.registry.Get(id); ok && !eq.Active {
			delete(out, id)
			continue
		}
		out[id] = g.withTypeMeta(snap)
	}

	for id, snap := range g.cache.GetAll() {
		out[id] = snap
	}
	return out
}

// withTypeMeta fills meta.type of a snapshot rebuilt outside the cache
func (g *Gateway) withTypeMeta(snap models.Snapshot) models.Snapshot {
	if snap.DeviceType() != "" {
		return snap
	}
	t := g.registry.TypeOf(snap.DeviceID)
	if t == models.DeviceTypeUnknown {
		return snap
	}

	meta := make(map[string]string, len(snap.Meta)+1)
	for k, v := range snap.Meta {
		meta[k] = v
	}
	meta["type"] = string(t)
	snap.Meta = meta
	return snap
}

// History returns up to the configured limit of readings for one device
// over the last hours, newest first
func (g *Gateway) History(ctx context.Context, deviceID string, hours int) (models.History, error) {
	if hours <= 0 {
		hours = g.cfg.DefaultHistoryHours
	}
	since := g.now().UTC().Add(-time.Duration(hours) * time.Hour)

	readCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreWriteTimeout)
	defer cancel()

	points, err := g.store.History(readCtx, deviceID, since, g.cfg.HistoryLimit)
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			return models.History{}, err
		}
		return models.History{}, errors.Wrap(models.ErrStoreUnavailable, err.Error())
	}
	if points == nil {
		points = []models.HistoryPoint{}
	}

	return models.History{
		EquipmentID: deviceID,
		Records:     len(points),
		Data:        points,
	}, nil
}

// Health probes the durable store and records the result
func (g *Gateway) Health(ctx context.Context) HealthStatus {
	pingCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreWriteTimeout)
	defer cancel()

	status := HealthStatus{
		Status:      "healthy",
		Database:    "connected",
		API:         "up",
		Devices:     g.cache.Len(),
		Subscribers: g.hub.Count(),
		Timestamp:   g.now().UTC(),
	}
	if err := g.store.Ping(pingCtx); err != nil {
		status.Status = "degraded"
		status.Database = "disconnected"
	} else {
		g.prepareStore(ctx)
	}

	g.metrics.SetHealth(metrics.HealthStore, status.Database == "connected")
	g.metrics.SetGauge(metrics.CachedDevices, int64(status.Devices))
	g.metrics.SetGauge(metrics.ActiveSubscribers, int64(status.Subscribers))
	g.metrics.SetGauge(metrics.LedgerSize, int64(g.ledger.Len()))
	return status
}

// prepareStore creates the store schema and reloads the registry the first
// time the store is reachable
func (g *Gateway) prepareStore(ctx context.Context) {
	if g.ready.Load() {
		return
	}

	prepCtx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	if g.schema != nil {
		if err := g.schema.EnsureSchema(prepCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to prepare durable store schema")
			return
		}
	}
	if err := g.registry.Load(prepCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to load equipment registry")
		return
	}
	g.ready.Store(true)
	log.Info().Msg("Durable store ready")
}

// Deactivate removes a device from the registry and the current state view
func (g *Gateway) Deactivate(ctx context.Context, deviceID string) error {
	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreWriteTimeout)
	defer cancel()

	known, err := g.registry.Deactivate(writeCtx, deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to persist deactivation")
	}
	removed := g.cache.Remove(deviceID)
	if !known && !removed {
		return errors.Wrapf(models.ErrNotFound, "equipment %s", deviceID)
	}

	g.unmirror(ctx, deviceID, g.cache.Sequence(deviceID))
	log.Info().Str("device_id", deviceID).Msg("Equipment deactivated")
	return nil
}

// Equipment lists active equipment
func (g *Gateway) Equipment() []models.Equipment {
	return g.registry.List()
}

// Alerts returns recent alerts, newest first
func (g *Gateway) Alerts(limit int, severity models.Severity) []models.Alert {
	return g.ledger.Recent(limit, severity)
}

// ClearAlerts empties the alert ledger
func (g *Gateway) ClearAlerts() {
	g.ledger.Clear()
}

// AcknowledgeAlert flags an alert as seen by an operator
func (g *Gateway) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (models.Alert, error) {
	alert, ok := g.ledger.Acknowledge(id, g.now())
	if !ok {
		return models.Alert{}, errors.Wrapf(models.ErrNotFound, "alert %s", id)
	}
	if err := g.store.AcknowledgeAlert(ctx, id, *alert.AcknowledgedAt); err != nil {
		log.Debug().Err(err).Str("alert_id", id.String()).Msg("Failed to persist acknowledgement")
	}
	return alert, nil
}

// SearchAlerts searches indexed alerts
func (g *Gateway) SearchAlerts(ctx context.Context, q string, size int) ([]map[string]interface{}, error) {
	if g.index == nil {
		return nil, errors.New("alert search is not configured")
	}
	return g.index.SearchAlerts(ctx, q, size)
}

// Thresholds returns the alert thresholds in effect
func (g *Gateway) Thresholds() alerts.Thresholds {
	return g.engine.Thresholds()
}

// UpdateThresholds replaces the alert thresholds
func (g *Gateway) UpdateThresholds(th alerts.Thresholds) error {
	if err := g.engine.UpdateThresholds(th); err != nil {
		return err
	}
	log.Info().Interface("thresholds", th).Msg("Alert thresholds updated")
	return nil
}

// HandleMessage ingests a message body received from the message bus
func (g *Gateway) HandleMessage(ctx context.Context, body []byte) error {
	g.metrics.IncrementCounter(metrics.BusMessages)
	_, err := g.Ingest(ctx, body)
	return err
}
