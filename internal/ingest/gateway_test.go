package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/internal/alerts"
	"example.com/backstage/services/telemetry/internal/broadcast"
	"example.com/backstage/services/telemetry/internal/devices"
	"example.com/backstage/services/telemetry/internal/metrics"
	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// MockStore is a mock implementation of store.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, snap models.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockStore) AppendAlerts(ctx context.Context, alerts []models.Alert) error {
	args := m.Called(ctx, alerts)
	return args.Error(0)
}

func (m *MockStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockStore) Latest(ctx context.Context) (map[string]models.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]models.Snapshot), args.Error(1)
}

func (m *MockStore) History(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.HistoryPoint, error) {
	args := m.Called(ctx, deviceID, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.HistoryPoint), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	return nil
}

// recordingHub captures broadcast events in hand-off order
type recordingHub struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (h *recordingHub) Broadcast(ev broadcast.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHub) Count() int { return 0 }

func (h *recordingHub) received() []broadcast.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broadcast.Event, len(h.events))
	copy(out, h.events)
	return out
}

type fixture struct {
	gateway *Gateway
	store   *MockStore
	cache   *state.Cache
	hub     *recordingHub
	ledger  *alerts.Ledger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()

	engine, err := alerts.NewEngine(alerts.DefaultThresholds())
	require.NoError(t, err)

	f := &fixture{
		store:   &MockStore{},
		cache:   state.NewCache(),
		hub:     &recordingHub{},
		ledger:  alerts.NewLedger(50),
		metrics: metrics.NewMetrics(),
	}
	opts := Options{
		Config:   Config{StoreWriteTimeout: 100 * time.Millisecond},
		Store:    f.store,
		Cache:    f.cache,
		Engine:   engine,
		Ledger:   f.ledger,
		Hub:      f.hub,
		Registry: devices.NewRegistry(nil),
		Metrics:  f.metrics,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	f.gateway, err = NewGateway(opts)
	require.NoError(t, err)
	f.gateway.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

	f.store.On("AppendAlerts", mock.Anything, mock.Anything).Return(nil).Maybe()
	t.Cleanup(f.gateway.Close)
	return f
}

// MockSchemaStore is a store that also manages its schema
type MockSchemaStore struct {
	MockStore
}

func (m *MockSchemaStore) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// recordingMirror keeps mirrored snapshots in memory
type recordingMirror struct {
	mu     sync.Mutex
	latest map[string]models.Snapshot
	puts   []uint64
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{latest: make(map[string]models.Snapshot)}
}

func (m *recordingMirror) PutLatest(_ context.Context, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[snap.DeviceID] = snap
	m.puts = append(m.puts, snap.Sequence)
	return nil
}

func (m *recordingMirror) DeleteLatest(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, deviceID)
	return nil
}

func (m *recordingMirror) Latest(context.Context) (map[string]models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Snapshot, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out, nil
}

func (m *recordingMirror) state() (map[string]models.Snapshot, []uint64) {
	latest, _ := m.Latest(context.Background())
	m.mu.Lock()
	defer m.mu.Unlock()
	return latest, append([]uint64(nil), m.puts...)
}

// blockingDB holds every caller of DB until released
type blockingDB struct {
	release chan struct{}
	calls   atomic.Int32
	db      *gorm.DB
}

func (b *blockingDB) DB() *gorm.DB {
	b.calls.Add(1)
	<-b.release
	return b.db
}

func (b *blockingDB) Ping(context.Context) error { return nil }

func (b *blockingDB) Close() error { return nil }

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=telemetry dbname=telemetry sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestIngestPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.MatchedBy(func(s models.Snapshot) bool {
		return s.DeviceID == "IMM-01" && s.Sequence == 1
	})).Return(nil).Once()

	res, err := f.gateway.Ingest(context.Background(), []byte(`{
		"device_id": "IMM-01",
		"ts": "2024-05-01T08:59:58",
		"metrics": {"cycle_time": 40},
		"meta": {"type": "IMM"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "IMM-01", res.DeviceID)
	assert.Equal(t, models.StoredDatabase, res.StoredTo)
	assert.True(t, res.Accepted)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "cycle_time", res.Alerts[0].Metric)

	cached, ok := f.cache.Get("IMM-01")
	require.True(t, ok)
	assert.Equal(t, 40.0, cached.Metrics["cycle_time"])

	events := f.hub.received()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventTelemetry, events[0].Type)
	assert.Equal(t, broadcast.EventAlert, events[1].Type)

	assert.Equal(t, 1, f.ledger.Len())
	f.gateway.Wait()
	f.store.AssertExpectations(t)
}

func TestIngestDegradesWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	res, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"QMC-01","ts":"2024-05-01T08:59:58","metrics":{"temp":40}}`))
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, models.StoredMemory, res.StoredTo)

	cached, ok := f.cache.Get("QMC-01")
	require.True(t, ok)
	assert.Equal(t, 40.0, cached.Metrics["temp"])
	assert.Len(t, f.hub.received(), 1)
	assert.Equal(t, int64(1), f.metrics.GetCounters()[metrics.StoreUnavailable])
}

func TestIngestStoreTimeoutDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	start := time.Now()
	res, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"ROBOT-01","ts":"2024-05-01T08:59:58","metrics":{"grip_pressure":5}}`))
	require.NoError(t, err)
	assert.Equal(t, models.StoredMemory, res.StoredTo)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	res, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"IMM-01","metrics":{"cycle_time":40}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidPayload))
	assert.Equal(t, "IMM-01", res.DeviceID)

	assert.Equal(t, 0, f.cache.Len())
	assert.Empty(t, f.hub.received())
	assert.Equal(t, 0, f.ledger.Len())
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)

	items, err := f.gateway.IngestBatch(context.Background(), []byte(`[
		{"device_id":"IMM-01","ts":"2024-05-01T08:59:58","metrics":{"cycle_time":35}},
		{"device_id":"IMM-02","metrics":{}},
		{"device_id":"VWM-01","ts":"2024-05-01T08:59:58","metrics":{"weld_freq":20}}
	]`))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "ok", items[0].Status)
	assert.NotEmpty(t, items[1].Error)
	assert.Equal(t, "IMM-02", items[1].DeviceID)
	assert.Equal(t, "ok", items[2].Status)
	assert.Equal(t, 2, f.cache.Len())

	_, err = f.gateway.IngestBatch(context.Background(), []byte(`{"device_id":"IMM-01"}`))
	assert.True(t, errors.Is(err, models.ErrInvalidPayload))
}

func TestIngestStaleSnapshotIsStillPersistedAndAlerted(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.cache.Upsert(models.Snapshot{
		DeviceID: "IMM-01",
		Metrics:  map[string]interface{}{"cycle_time": 35.0},
		Sequence: 100,
	}))
	f.store.On("Append", mock.Anything, mock.MatchedBy(func(s models.Snapshot) bool {
		return s.DeviceID == "IMM-01" && s.Sequence == 1
	})).Return(nil).Once()

	res, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"IMM-01","ts":"2024-05-01T08:59:58","metrics":{"cycle_time":40}}`))
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, models.StoredDatabase, res.StoredTo)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, 1, f.ledger.Len())

	events := f.hub.received()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventTelemetry, events[0].Type)
	assert.Equal(t, broadcast.EventAlert, events[1].Type)

	cached, ok := f.cache.Get("IMM-01")
	require.True(t, ok)
	assert.Equal(t, uint64(100), cached.Sequence)
	assert.Equal(t, 35.0, cached.Metrics["cycle_time"])
	assert.Equal(t, int64(1), f.metrics.GetCounters()[metrics.SnapshotsStale])
	f.store.AssertExpectations(t)
}

func TestLatestMergesStoreWithWarmCache(t *testing.T) {
	f := newFixture(t)
	older := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	fromStore := map[string]models.Snapshot{
		"IMM-01":     {DeviceID: "IMM-01", Timestamp: older, Metrics: map[string]interface{}{"cycle_time": 35.0}},
		"CHILLER-01": {DeviceID: "CHILLER-01", Timestamp: older, Metrics: map[string]interface{}{"water_temp": 12.0}},
		"TCM-01":     {DeviceID: "TCM-01", Timestamp: older, Metrics: map[string]interface{}{"cut_pressure": 3.0}},
	}
	f.store.On("Latest", mock.Anything).Return(fromStore, nil)
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)

	latest := f.gateway.Latest(context.Background())
	require.Len(t, latest, 3)
	assert.Equal(t, "IMM", latest["IMM-01"].Meta["type"])
	assert.Nil(t, fromStore["IMM-01"].Meta)

	_, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"CHILLER-01","ts":"2024-05-01T08:59:58","metrics":{"water_temp":15}}`))
	require.NoError(t, err)
	_, err = f.gateway.Ingest(context.Background(), []byte(`{"device_id":"TCM-01","ts":"2024-05-01T08:59:58","metrics":{"cut_pressure":4}}`))
	require.NoError(t, err)
	require.NoError(t, f.gateway.Deactivate(context.Background(), "TCM-01"))

	latest = f.gateway.Latest(context.Background())
	require.Len(t, latest, 2)
	require.Contains(t, latest, "IMM-01")
	assert.Equal(t, 35.0, latest["IMM-01"].Metrics["cycle_time"])
	require.Contains(t, latest, "CHILLER-01")
	assert.Equal(t, 15.0, latest["CHILLER-01"].Metrics["water_temp"])
	assert.NotContains(t, latest, "TCM-01")
}

func TestLatestPrefersNewerMirroredSnapshot(t *testing.T) {
	mirror := newRecordingMirror()
	f := newFixture(t, func(o *Options) { o.Mirror = mirror })
	older := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	f.store.On("Latest", mock.Anything).Return(map[string]models.Snapshot{
		"QMC-01": {DeviceID: "QMC-01", Timestamp: older, Metrics: map[string]interface{}{"temp": 30.0}},
	}, nil)
	mirror.latest["QMC-01"] = models.Snapshot{DeviceID: "QMC-01", Timestamp: older.Add(time.Minute), Metrics: map[string]interface{}{"temp": 31.0}}

	latest := f.gateway.Latest(context.Background())
	require.Contains(t, latest, "QMC-01")
	assert.Equal(t, 31.0, latest["QMC-01"].Metrics["temp"])
}

func TestMirrorAppliesUpdatesInSequenceOrder(t *testing.T) {
	mirror := newRecordingMirror()
	f := newFixture(t, func(o *Options) { o.Mirror = mirror })
	snap := func(seq uint64) models.Snapshot {
		return models.Snapshot{DeviceID: "IMM-01", Metrics: map[string]interface{}{"cycle_time": float64(seq)}, Sequence: seq}
	}

	f.gateway.mirrorLatest(snap(2))
	f.gateway.mirrorLatest(snap(1))
	f.gateway.unmirror(context.Background(), "IMM-01", 2)
	f.gateway.mirrorLatest(snap(2))
	f.gateway.Close()

	latest, puts := mirror.state()
	assert.NotContains(t, latest, "IMM-01")
	assert.Equal(t, []uint64{2}, puts)
}

func TestDeactivateIsNotUndoneByQueuedMirrorUpdate(t *testing.T) {
	mirror := newRecordingMirror()
	f := newFixture(t, func(o *Options) { o.Mirror = mirror })
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)

	_, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"ROBOT-01","ts":"2024-05-01T08:59:58","metrics":{"grip_pressure":5}}`))
	require.NoError(t, err)
	inFlight, ok := f.cache.Get("ROBOT-01")
	require.True(t, ok)

	require.NoError(t, f.gateway.Deactivate(context.Background(), "ROBOT-01"))
	f.gateway.mirrorLatest(inFlight)
	f.gateway.Close()

	latest, _ := mirror.state()
	assert.Empty(t, latest)
}

func TestEquipmentIsPersistedOffTheIngestPath(t *testing.T) {
	db := &blockingDB{release: make(chan struct{}), db: dryRunDB(t)}
	f := newFixture(t, func(o *Options) { o.Registry = devices.NewRegistry(db) })
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)

	start := time.Now()
	_, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"VWM-01","ts":"2024-05-01T08:59:58","metrics":{"weld_freq":20}}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, f.gateway.Equipment(), 1)

	close(db.release)
	f.gateway.Wait()
	assert.Equal(t, int32(1), db.calls.Load())
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	v := 35.0
	points := []models.HistoryPoint{{Time: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Metric: "cycle_time", Value: &v}}
	since := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	f.store.On("History", hasDeadline, "IMM-01", since, defaultHistoryLimit).Return(points, nil)

	h, err := f.gateway.History(context.Background(), "IMM-01", 2)
	require.NoError(t, err)
	assert.Equal(t, "IMM-01", h.EquipmentID)
	assert.Equal(t, 1, h.Records)

	f.store.On("History", mock.Anything, "IMM-02", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	_, err = f.gateway.History(context.Background(), "IMM-02", 0)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
}

func TestHealthPreparesSchemaOnceStoreIsReachable(t *testing.T) {
	schemaStore := &MockSchemaStore{}
	f := newFixture(t, func(o *Options) { o.Store = schemaStore })
	schemaStore.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()
	schemaStore.On("Ping", mock.Anything).Return(nil)
	schemaStore.On("EnsureSchema", mock.Anything).Return(errors.New("permission denied")).Once()
	schemaStore.On("EnsureSchema", mock.Anything).Return(nil).Once()

	h := f.gateway.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	schemaStore.AssertNotCalled(t, "EnsureSchema", mock.Anything)

	for i := 0; i < 3; i++ {
		h = f.gateway.Health(context.Background())
		assert.Equal(t, "healthy", h.Status)
	}
	schemaStore.AssertNumberOfCalls(t, "EnsureSchema", 2)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.store.On("Ping", mock.Anything).Return(nil).Once()
	f.store.On("Ping", mock.Anything).Return(errors.New("down")).Once()

	h := f.gateway.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Database)
	assert.Equal(t, "up", h.API)

	h = f.gateway.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.Database)
	assert.False(t, f.metrics.GetHealthChecks()[metrics.HealthStore])
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)
	_, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"TCM-01","ts":"2024-05-01T08:59:58","metrics":{"cut_pressure":3}}`))
	require.NoError(t, err)
	require.Len(t, f.gateway.Equipment(), 1)

	require.NoError(t, f.gateway.Deactivate(context.Background(), "TCM-01"))
	_, ok := f.cache.Get("TCM-01")
	assert.False(t, ok)
	assert.Empty(t, f.gateway.Equipment())

	err = f.gateway.Deactivate(context.Background(), "TCM-01")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t)
	f.store.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.store.On("AcknowledgeAlert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res, err := f.gateway.Ingest(context.Background(), []byte(`{"device_id":"IMM-01","ts":"2024-05-01T08:59:58","metrics":{"zone_temps":[240]}}`))
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)

	alert, err := f.gateway.AcknowledgeAlert(context.Background(), res.Alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, alert.Acknowledged)
	assert.True(t, f.gateway.Alerts(0, "")[0].Acknowledged)

	_, err = f.gateway.AcknowledgeAlert(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
