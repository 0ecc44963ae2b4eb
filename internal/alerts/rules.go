package alerts

import (
	"fmt"
	"math"

	"example.com/backstage/services/telemetry/internal/models"
)

// Rule inspects one decoded metric set. Rules that do not apply to the
// metric variant return nil.
type Rule struct {
	Name string
	Eval func(m models.TypedMetrics, th Thresholds) []models.Finding
}

// DefaultRules are evaluated in this order and their findings concatenated.
// No rule suppresses another.
var DefaultRules = []Rule{
	{Name: "cycle_time", Eval: cycleTimeRule},
	{Name: "zone_temp", Eval: zoneTempRule},
	{Name: "clamping_pressure", Eval: clampingPressureRule},
	{Name: "chiller_temp", Eval: chillerTempRule},
	{Name: "robot_grip", Eval: robotGripRule},
}

func cycleTimeRule(m models.TypedMetrics, th Thresholds) []models.Finding {
	imm, ok := m.(models.IMMMetrics)
	if !ok || imm.CycleTime == nil {
		return nil
	}
	deviation := math.Abs(*imm.CycleTime-th.CycleTimeTarget) / th.CycleTimeTarget * 100
	if deviation <= th.CycleTimeThreshold {
		return nil
	}
	return []models.Finding{{
		Severity: models.SeverityWarning,
		Metric:   "cycle_time",
		Message:  fmt.Sprintf("Cycle time deviation: %.1f%%", deviation),
		Value:    *imm.CycleTime,
	}}
}

// zoneTempRule reports only the first zone outside the allowed band
func zoneTempRule(m models.TypedMetrics, th Thresholds) []models.Finding {
	zr, ok := m.(models.ZoneReporter)
	if !ok {
		return nil
	}
	for i, temp := range zr.Zones() {
		if temp < th.TempMin || temp > th.TempMax {
			return []models.Finding{{
				Severity: models.SeverityCritical,
				Metric:   "zone_temp",
				Message:  fmt.Sprintf("Zone %d temp out of range: %.0f°C", i+1, temp),
				Value:    temp,
			}}
		}
	}
	return nil
}

func clampingPressureRule(m models.TypedMetrics, th Thresholds) []models.Finding {
	imm, ok := m.(models.IMMMetrics)
	if !ok || imm.ClampingPressure == nil {
		return nil
	}
	p := *imm.ClampingPressure
	if p >= th.PressureMin && p <= th.PressureMax {
		return nil
	}
	return []models.Finding{{
		Severity: models.SeverityWarning,
		Metric:   "clamping_pressure",
		Message:  fmt.Sprintf("Clamping pressure unusual: %.0f ton", p),
		Value:    p,
	}}
}

func chillerTempRule(m models.TypedMetrics, th Thresholds) []models.Finding {
	ch, ok := m.(models.ChillerMetrics)
	if !ok {
		return nil
	}
	var findings []models.Finding
	if ch.WaterTemp != nil && *ch.WaterTemp > th.ChillerMaxTemp {
		findings = append(findings, models.Finding{
			Severity: models.SeverityWarning,
			Metric:   "water_temp",
			Message:  fmt.Sprintf("Chiller water temp high: %.1f°C", *ch.WaterTemp),
			Value:    *ch.WaterTemp,
		})
	}
	if ch.OutletTemp != nil && *ch.OutletTemp > th.ChillerMaxTemp {
		findings = append(findings, models.Finding{
			Severity: models.SeverityWarning,
			Metric:   "outlet_temp",
			Message:  fmt.Sprintf("Chiller outlet temp high: %.1f°C", *ch.OutletTemp),
			Value:    *ch.OutletTemp,
		})
	}
	return findings
}

func robotGripRule(m models.TypedMetrics, th Thresholds) []models.Finding {
	r, ok := m.(models.RobotMetrics)
	if !ok || r.GripPressure == nil || *r.GripPressure >= th.RobotMinGrip {
		return nil
	}
	return []models.Finding{{
		Severity: models.SeverityWarning,
		Metric:   "grip_pressure",
		Message:  fmt.Sprintf("Robot grip pressure low: %.1f bar", *r.GripPressure),
		Value:    *r.GripPressure,
	}}
}
