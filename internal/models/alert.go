package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency of an alert
type Severity string

// Alert severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Finding is the output of a single alert rule before it is bound to a device
type Finding struct {
	Severity Severity
	Metric   string
	Message  string
	Value    float64
}

// Alert is a threshold violation raised for one device
type Alert struct {
	ID             uuid.UUID  `json:"id"`
	Severity       Severity   `json:"severity"`
	DeviceID       string     `json:"device_id"`
	Message        string     `json:"message"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// NewAlert binds a finding to a device
func NewAlert(deviceID string, f Finding, ts time.Time) Alert {
	return Alert{
		ID:        uuid.New(),
		Severity:  f.Severity,
		DeviceID:  deviceID,
		Message:   f.Message,
		Metric:    f.Metric,
		Value:     f.Value,
		Timestamp: ts,
	}
}
