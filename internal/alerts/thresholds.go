package alerts

import (
	"github.com/pkg/errors"
)

// Thresholds configures the alert rules. Values are swapped as a whole at
// runtime, never field by field.
type Thresholds struct {
	CycleTimeTarget    float64 `mapstructure:"cycle_time_target" json:"cycle_time_target"`
	CycleTimeThreshold float64 `mapstructure:"cycle_time_threshold" json:"cycle_time_threshold"`
	TempMin            float64 `mapstructure:"temp_min" json:"temp_min"`
	TempMax            float64 `mapstructure:"temp_max" json:"temp_max"`
	PressureMin        float64 `mapstructure:"pressure_min" json:"pressure_min"`
	PressureMax        float64 `mapstructure:"pressure_max" json:"pressure_max"`
	ChillerMaxTemp     float64 `mapstructure:"chiller_max_temp" json:"chiller_max_temp"`
	RobotMinGrip       float64 `mapstructure:"robot_min_grip" json:"robot_min_grip"`
}

// DefaultThresholds returns the plant defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		CycleTimeTarget:    35,
		CycleTimeThreshold: 10,
		TempMin:            180,
		TempMax:            220,
		PressureMin:        1800,
		PressureMax:        2500,
		ChillerMaxTemp:     20,
		RobotMinGrip:       4,
	}
}

// Validate checks that the thresholds describe usable ranges
func (t Thresholds) Validate() error {
	if t.CycleTimeTarget <= 0 {
		return errors.New("cycle_time_target must be positive")
	}
	if t.CycleTimeThreshold < 0 {
		return errors.New("cycle_time_threshold must not be negative")
	}
	if t.TempMin >= t.TempMax {
		return errors.Errorf("temp_min %.1f must be below temp_max %.1f", t.TempMin, t.TempMax)
	}
	if t.PressureMin >= t.PressureMax {
		return errors.Errorf("pressure_min %.1f must be below pressure_max %.1f", t.PressureMin, t.PressureMax)
	}
	if t.RobotMinGrip < 0 {
		return errors.New("robot_min_grip must not be negative")
	}
	return nil
}
