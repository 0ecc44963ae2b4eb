package store

import (
	"context"
	"time"

	"example.com/backstage/services/telemetry/internal/database"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const latestRowsQuery = `
SELECT t.*
FROM telemetry t
JOIN (
	SELECT equipment_id, MAX(time) AS time
	FROM telemetry
	GROUP BY equipment_id
) latest ON latest.equipment_id = t.equipment_id AND latest.time = t.time`

// PostgresStore persists telemetry in PostgreSQL through gorm
type PostgresStore struct {
	db database.DB
}

// NewPostgresStore creates a store on an open database connection
func NewPostgresStore(db database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts one row per metric
func (s *PostgresStore) Append(ctx context.Context, snap models.Snapshot) error {
	records := toTelemetryRecords(snap)
	if len(records) == 0 {
		return nil
	}
	if err := s.db.DB().WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return errors.Wrapf(err, "failed to insert telemetry for %s", snap.DeviceID)
	}
	return nil
}

// AppendAlerts inserts alerts into the alerts table
func (s *PostgresStore) AppendAlerts(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	records := make([]models.AlertRecord, 0, len(alerts))
	for _, a := range alerts {
		records = append(records, models.NewAlertRecord(a))
	}
	if err := s.db.DB().WithContext(ctx).Create(&records).Error; err != nil {
		return errors.Wrap(err, "failed to insert alerts")
	}
	return nil
}

// AcknowledgeAlert sets the acknowledgement flag of a persisted alert
func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.DB().WithContext(ctx).
		Model(&models.AlertRecord{}).
		Where("id = ? AND acknowledged = ?", id.String(), false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_at": at.UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to acknowledge alert %s", id)
	}
	return nil
}

// Latest returns the rows sharing each device's most recent timestamp
func (s *PostgresStore) Latest(ctx context.Context) (map[string]models.Snapshot, error) {
	var records []models.TelemetryRecord
	if err := s.db.DB().WithContext(ctx).Raw(latestRowsQuery).Scan(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query latest telemetry")
	}
	return snapshotsFromRecords(records), nil
}

// History returns readings taken at or after since, newest first
func (s *PostgresStore) History(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.HistoryPoint, error) {
	var records []models.TelemetryRecord
	if err := historyQuery(s.db.DB().WithContext(ctx), deviceID, since, limit).Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query history for %s", deviceID)
	}
	return historyFromRecords(records), nil
}

func historyQuery(db *gorm.DB, deviceID string, since time.Time, limit int) *gorm.DB {
	return db.Model(&models.TelemetryRecord{}).
		Where("equipment_id = ? AND time >= ?", deviceID, since).
		Order("time DESC").
		Limit(limit)
}

// EnsureSchema migrates the telemetry tables
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return models.SetupModels(s.db.DB().WithContext(ctx))
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
