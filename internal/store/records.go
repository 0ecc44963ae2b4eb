package store

import (
	"encoding/json"
	"sort"
	"strings"

	"example.com/backstage/services/telemetry/internal/models"
)

// reading is the storage-neutral form of one metric of one snapshot
type reading struct {
	metric string
	value  *float64
	text   *string
}

// flatten splits a snapshot into one reading per metric, ordered by metric name
func flatten(snap models.Snapshot) []reading {
	keys := make([]string, 0, len(snap.Metrics))
	for k := range snap.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]reading, 0, len(keys))
	for _, k := range keys {
		r := reading{metric: k}
		switch v := snap.Metrics[k].(type) {
		case float64:
			f := v
			r.value = &f
		case string:
			s := v
			r.text = &s
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			s := string(data)
			r.text = &s
		}
		out = append(out, r)
	}
	return out
}

// restore converts a stored reading back into a metric value
func restore(value *float64, text *string) interface{} {
	if value != nil {
		return *value
	}
	if text == nil {
		return nil
	}
	if strings.HasPrefix(*text, "[") {
		var list []interface{}
		if err := json.Unmarshal([]byte(*text), &list); err == nil {
			return list
		}
	}
	return *text
}

func toTelemetryRecords(snap models.Snapshot) []models.TelemetryRecord {
	readings := flatten(snap)
	records := make([]models.TelemetryRecord, 0, len(readings))
	for _, r := range readings {
		records = append(records, models.TelemetryRecord{
			Time:        snap.Timestamp,
			EquipmentID: snap.DeviceID,
			MetricName:  r.metric,
			MetricValue: r.value,
			MetricText:  r.text,
			Sequence:    snap.Sequence,
			Status:      "normal",
		})
	}
	return records
}

// snapshotsFromRecords groups the rows of each device's latest timestamp
// back into snapshots
func snapshotsFromRecords(records []models.TelemetryRecord) map[string]models.Snapshot {
	out := make(map[string]models.Snapshot)
	for _, rec := range records {
		snap, ok := out[rec.EquipmentID]
		if !ok {
			snap = models.Snapshot{
				DeviceID:  rec.EquipmentID,
				Timestamp: rec.Time.UTC(),
				Metrics:   make(map[string]interface{}),
				Sequence:  rec.Sequence,
			}
		}
		snap.Metrics[rec.MetricName] = restore(rec.MetricValue, rec.MetricText)
		out[rec.EquipmentID] = snap
	}
	return out
}

func historyFromRecords(records []models.TelemetryRecord) []models.HistoryPoint {
	points := make([]models.HistoryPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, models.HistoryPoint{
			Time:   rec.Time.UTC(),
			Metric: rec.MetricName,
			Value:  rec.MetricValue,
		})
	}
	return points
}
