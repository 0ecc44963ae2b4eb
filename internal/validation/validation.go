package validation

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var validate *validator.Validate

var deviceIDPattern = regexp.MustCompile(`^[A-Z]+-\d{2,}$`)

// Accepted timestamp layouts, tried in order. Layouts without a zone are
// read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func init() {
	validate = validator.New()
	validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// IsValidDeviceID reports whether id follows the plant naming scheme, e.g. IMM-01
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Validate decodes a raw ingestion payload into a Snapshot.
// All failures wrap models.ErrInvalidPayload.
func Validate(raw []byte) (models.Snapshot, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return models.Snapshot{}, invalid("payload is not a JSON object")
	}

	if m, ok := envelope["metrics"]; ok {
		trimmed := bytes.TrimSpace(m)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return models.Snapshot{}, invalid("metrics must be an object")
		}
	}

	var req models.IngestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.Snapshot{}, invalid("malformed field: " + err.Error())
	}

	return ValidateRequest(req)
}

// ValidateRequest checks an already decoded request and builds the Snapshot
func ValidateRequest(req models.IngestRequest) (models.Snapshot, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return models.Snapshot{}, invalid("device_id is required")
	}
	if req.Metrics == nil {
		return models.Snapshot{}, invalid("metrics is required")
	}
	if err := ValidateStruct(req); err != nil {
		return models.Snapshot{}, invalid(err.Error())
	}

	ts, err := ParseTimestamp(req.Ts)
	if err != nil {
		return models.Snapshot{}, invalid(err.Error())
	}

	metrics := make(map[string]interface{}, len(req.Metrics))
	for key, value := range req.Metrics {
		v, ok := checkMetric(value)
		if !ok {
			return models.Snapshot{}, invalid("metric " + key + " must be a number, string or list of numbers")
		}
		metrics[key] = v
	}

	if !IsValidDeviceID(req.DeviceID) {
		log.Warn().Str("device_id", req.DeviceID).Msg("Device id does not follow naming scheme")
	}

	var meta map[string]string
	if len(req.Meta) > 0 {
		meta = make(map[string]string, len(req.Meta))
		for k, v := range req.Meta {
			meta[k] = v
		}
	}

	return models.Snapshot{
		DeviceID:  req.DeviceID,
		Timestamp: ts,
		Metrics:   metrics,
		Meta:      meta,
	}, nil
}

// ParseTimestamp parses the timestamp formats sent by device gateways
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("ts is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("ts %q is not a valid timestamp", s)
}

func checkMetric(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case float64, string:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case []float64:
		out := make([]interface{}, len(val))
		for i, f := range val {
			out[i] = f
		}
		return out, true
	case []interface{}:
		for _, item := range val {
			if _, ok := item.(float64); !ok {
				return nil, false
			}
		}
		return val, true
	}
	return nil, false
}

func invalid(reason string) error {
	return errors.Wrap(models.ErrInvalidPayload, reason)
}
