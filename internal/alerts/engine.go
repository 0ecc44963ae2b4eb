package alerts

import (
	"sync/atomic"
	"time"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/pkg/errors"
)

// Engine evaluates alert rules against snapshots. Evaluation has no side
// effects; thresholds can be replaced concurrently with evaluation.
type Engine struct {
	rules      []Rule
	thresholds atomic.Pointer[Thresholds]
}

// NewEngine creates an engine running DefaultRules with the given thresholds
func NewEngine(th Thresholds) (*Engine, error) {
	e := &Engine{rules: DefaultRules}
	if err := e.UpdateThresholds(th); err != nil {
		return nil, err
	}
	return e, nil
}

// Thresholds returns the thresholds currently in effect
func (e *Engine) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

// UpdateThresholds atomically replaces the thresholds after validating them
func (e *Engine) UpdateThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return errors.Wrap(err, "invalid alert thresholds")
	}
	e.thresholds.Store(&th)
	return nil
}

// Evaluate runs every rule against the metrics of one snapshot and returns
// the resulting alerts, each stamped with ts
func (e *Engine) Evaluate(deviceID string, deviceType models.DeviceType, metrics map[string]interface{}, ts time.Time) []models.Alert {
	th := e.Thresholds()
	typed := models.DecodeMetrics(deviceType, metrics)

	var out []models.Alert
	for _, rule := range e.rules {
		for _, f := range rule.Eval(typed, th) {
			out = append(out, models.NewAlert(deviceID, f, ts))
		}
	}
	return out
}
