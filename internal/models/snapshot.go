package models

import (
	"time"
)

// IngestRequest is the inbound telemetry payload sent by device gateways
type IngestRequest struct {
	DeviceID string                 `json:"device_id" validate:"required,max=50"`
	Ts       string                 `json:"ts" validate:"required,notblank"`
	Metrics  map[string]interface{} `json:"metrics" validate:"required"`
	Meta     map[string]string      `json:"meta,omitempty"`
}

// Snapshot is one timestamped set of metric readings from one device.
// A snapshot is never modified after validation; later readings from the
// same device are new snapshots.
type Snapshot struct {
	DeviceID  string                 `json:"device_id"`
	Timestamp time.Time              `json:"ts"`
	Metrics   map[string]interface{} `json:"metrics"`
	Meta      map[string]string      `json:"meta,omitempty"`

	// Sequence is assigned when the gateway admits the snapshot
	Sequence uint64 `json:"-"`
}

// DeviceType returns the type reported in the snapshot meta, if any
func (s Snapshot) DeviceType() string {
	if s.Meta == nil {
		return ""
	}
	return s.Meta["type"]
}

// WithSequence returns a copy of the snapshot carrying the given sequence
func (s Snapshot) WithSequence(seq uint64) Snapshot {
	s.Sequence = seq
	return s
}

// IngestResult is returned to producers after a snapshot has been accepted
type IngestResult struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id"`
	Stored   string `json:"stored"`
}

// Storage locations reported back to producers
const (
	StoredDatabase = "database"
	StoredMemory   = "memory"
)

// HistoryPoint is a single persisted metric reading
type HistoryPoint struct {
	Time   time.Time `json:"time"`
	Metric string    `json:"metric"`
	Value  *float64  `json:"value"`
}

// History is the response of a per-device history query
type History struct {
	EquipmentID string         `json:"equipment_id"`
	Records     int            `json:"records"`
	Data        []HistoryPoint `json:"data"`
}
