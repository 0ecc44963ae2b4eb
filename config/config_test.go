package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/internal/alerts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DriverPostgres, cfg.DB.Driver)
	assert.Equal(t, 2*time.Second, cfg.Ingest.StoreWriteTimeout)
	assert.Equal(t, 10000, cfg.Ingest.HistoryLimit)
	assert.Equal(t, 256, cfg.Broadcast.QueueSize)
	assert.Equal(t, alerts.DefaultLedgerCapacity, cfg.Alerts.LedgerCapacity)
	assert.Equal(t, alerts.DefaultThresholds(), cfg.Alerts.Thresholds)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
environment: production
database:
  driver: none
alerts:
  ledger_capacity: 20
  thresholds:
    temp_max: 230
ingest:
  store_write_timeout: 500ms
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, DriverNone, cfg.DB.Driver)
	assert.Equal(t, 20, cfg.Alerts.LedgerCapacity)
	assert.Equal(t, 230.0, cfg.Alerts.Thresholds.TempMax)
	assert.Equal(t, 180.0, cfg.Alerts.Thresholds.TempMin)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.StoreWriteTimeout)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TELEMETRY_DATABASE_DRIVER", "mongo")
	t.Setenv("TELEMETRY_BROADCAST_QUEUE_SIZE", "32")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverMongo, cfg.DB.Driver)
	assert.Equal(t, 32, cfg.Broadcast.QueueSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("TELEMETRY_DATABASE_DRIVER", "sqlite")
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
}

func TestFormatIndex(t *testing.T) {
	assert.Equal(t, "factory-alerts", FormatIndex(ElasticConfig{Prefix: "factory"}, "alerts"))
	assert.Equal(t, "alerts", FormatIndex(ElasticConfig{}, "alerts"))
}
