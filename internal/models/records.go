package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Equipment is a registered device
type Equipment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EquipmentID   string    `gorm:"size:50;not null;uniqueIndex" json:"equipment_id"`
	EquipmentType string    `gorm:"size:50;not null" json:"equipment_type"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	Location      string    `gorm:"size:100" json:"location,omitempty"`
	Active        bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by Equipment
func (Equipment) TableName() string {
	return "equipment"
}

// TelemetryRecord is one metric reading of one snapshot. Numeric readings
// populate MetricValue; strings and arrays are kept as JSON text.
type TelemetryRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Time        time.Time `gorm:"not null;index:idx_telemetry_equipment_time,priority:2" json:"time"`
	EquipmentID string    `gorm:"size:50;not null;index:idx_telemetry_equipment_time,priority:1" json:"equipment_id"`
	MetricName  string    `gorm:"size:100;not null;index" json:"metric_name"`
	MetricValue *float64  `json:"metric_value"`
	MetricText  *string   `gorm:"type:text" json:"metric_text,omitempty"`
	Sequence    uint64    `json:"sequence"`
	Status      string    `gorm:"size:20" json:"status"`
}

// TableName overrides the table name used by TelemetryRecord
func (TelemetryRecord) TableName() string {
	return "telemetry"
}

// AlertRecord is a persisted alert
type AlertRecord struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	EquipmentID    string     `gorm:"size:50;not null;index" json:"equipment_id"`
	AlertType      string     `gorm:"size:50;not null" json:"alert_type"`
	Severity       string     `gorm:"size:20;not null" json:"severity"`
	Message        string     `gorm:"type:text;not null" json:"message"`
	Value          float64    `json:"value"`
	Acknowledged   bool       `gorm:"not null;default:false" json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

// TableName overrides the table name used by AlertRecord
func (AlertRecord) TableName() string {
	return "alerts"
}

// NewAlertRecord converts an alert into its persisted form
func NewAlertRecord(a Alert) AlertRecord {
	return AlertRecord{
		ID:             a.ID.String(),
		EquipmentID:    a.DeviceID,
		AlertType:      a.Metric,
		Severity:       string(a.Severity),
		Message:        a.Message,
		Value:          a.Value,
		Acknowledged:   a.Acknowledged,
		AcknowledgedAt: a.AcknowledgedAt,
		CreatedAt:      a.Timestamp,
	}
}

// SetupModels runs the schema migrations
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&Equipment{}, &TelemetryRecord{}, &AlertRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate telemetry schema")
	}
	return nil
}
