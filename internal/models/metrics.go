package models

import (
	"strconv"
	"strings"
)

// DeviceType identifies a family of equipment sharing a metric schema and
// a set of alert rules
type DeviceType string

// Known device types
const (
	DeviceTypeIMM     DeviceType = "IMM"     // injection molding machine
	DeviceTypeQMC     DeviceType = "QMC"     // quick mold change unit
	DeviceTypeChiller DeviceType = "CHILLER" // chiller
	DeviceTypeRobot   DeviceType = "ROBOT"   // pick-and-place robot
	DeviceTypeTCM     DeviceType = "TCM"     // airbag cutting station
	DeviceTypeVWM     DeviceType = "VWM"     // airbag welding station
	DeviceTypeUnknown DeviceType = ""
)

// ParseDeviceType normalizes a free-form type string
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToUpper(strings.TrimSpace(s))) {
	case DeviceTypeIMM:
		return DeviceTypeIMM
	case DeviceTypeQMC:
		return DeviceTypeQMC
	case DeviceTypeChiller:
		return DeviceTypeChiller
	case DeviceTypeRobot:
		return DeviceTypeRobot
	case DeviceTypeTCM:
		return DeviceTypeTCM
	case DeviceTypeVWM:
		return DeviceTypeVWM
	}
	return DeviceTypeUnknown
}

// TypedMetrics is the decoded, device-type specific view of a metrics map
type TypedMetrics interface {
	Type() DeviceType
}

// ZoneReporter is implemented by metric sets that carry per-zone temperatures
type ZoneReporter interface {
	Zones() []float64
}

// IMMMetrics are reported by injection molding machines
type IMMMetrics struct {
	CycleTime        *float64
	MoldTemp         *float64
	MachineTemp      *float64
	ClampingPressure *float64
	Vibration        *float64
	ZoneTemps        []float64
	MoldModel        string
}

func (IMMMetrics) Type() DeviceType    { return DeviceTypeIMM }
func (m IMMMetrics) Zones() []float64 { return m.ZoneTemps }

// QMCMetrics are reported by quick mold change units
type QMCMetrics struct {
	Temp      *float64
	Status    string
	ZoneTemps []float64
}

func (QMCMetrics) Type() DeviceType    { return DeviceTypeQMC }
func (m QMCMetrics) Zones() []float64 { return m.ZoneTemps }

// ChillerMetrics are reported by chillers
type ChillerMetrics struct {
	WaterTemp  *float64
	InletTemp  *float64
	OutletTemp *float64
	FlowRate   *float64
}

func (ChillerMetrics) Type() DeviceType { return DeviceTypeChiller }

// RobotMetrics are reported by robots
type RobotMetrics struct {
	AxisX        *float64
	AxisY        *float64
	AxisZ        *float64
	GripPressure *float64
}

func (RobotMetrics) Type() DeviceType { return DeviceTypeRobot }

// CuttingMetrics are reported by airbag cutting stations
type CuttingMetrics struct {
	CutPressure *float64
	CycleCount  *float64
	Model       string
}

func (CuttingMetrics) Type() DeviceType { return DeviceTypeTCM }

// WeldingMetrics are reported by airbag welding stations
type WeldingMetrics struct {
	WeldFreq *float64
	WeldTime *float64
	Model    string
}

func (WeldingMetrics) Type() DeviceType { return DeviceTypeVWM }

// GenericMetrics keeps the raw map for devices of an unrecognized type.
// Zone temperatures are still extracted so zone rules keep working for
// equipment added before its type is known.
type GenericMetrics struct {
	Values    map[string]interface{}
	ZoneTemps []float64
}

func (GenericMetrics) Type() DeviceType    { return DeviceTypeUnknown }
func (m GenericMetrics) Zones() []float64 { return m.ZoneTemps }

// DecodeMetrics converts the open metrics map into the typed variant for t
func DecodeMetrics(t DeviceType, raw map[string]interface{}) TypedMetrics {
	switch t {
	case DeviceTypeIMM:
		return IMMMetrics{
			CycleTime:        Number(raw, "cycle_time"),
			MoldTemp:         Number(raw, "mold_temp"),
			MachineTemp:      Number(raw, "machine_temp"),
			ClampingPressure: Number(raw, "clamping_pressure"),
			Vibration:        Number(raw, "vibration"),
			ZoneTemps:        Numbers(raw, "zone_temps"),
			MoldModel:        Text(raw, "mold_model"),
		}
	case DeviceTypeQMC:
		return QMCMetrics{
			Temp:      Number(raw, "temp"),
			Status:    Text(raw, "status"),
			ZoneTemps: Numbers(raw, "zone_temps"),
		}
	case DeviceTypeChiller:
		return ChillerMetrics{
			WaterTemp:  Number(raw, "water_temp"),
			InletTemp:  Number(raw, "inlet_temp"),
			OutletTemp: Number(raw, "outlet_temp"),
			FlowRate:   Number(raw, "flow_rate"),
		}
	case DeviceTypeRobot:
		return RobotMetrics{
			AxisX:        Number(raw, "axis_x"),
			AxisY:        Number(raw, "axis_y"),
			AxisZ:        Number(raw, "axis_z"),
			GripPressure: Number(raw, "grip_pressure"),
		}
	case DeviceTypeTCM:
		return CuttingMetrics{
			CutPressure: Number(raw, "cut_pressure"),
			CycleCount:  Number(raw, "cycle_count"),
			Model:       Text(raw, "model"),
		}
	case DeviceTypeVWM:
		return WeldingMetrics{
			WeldFreq: Number(raw, "weld_freq"),
			WeldTime: Number(raw, "weld_time"),
			Model:    Text(raw, "model"),
		}
	}
	return GenericMetrics{Values: raw, ZoneTemps: Numbers(raw, "zone_temps")}
}

// Number extracts a numeric metric. Numeric strings are accepted since some
// gateways serialize every reading as text.
func Number(raw map[string]interface{}, key string) *float64 {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

// Numbers extracts a list of numeric readings, skipping non-numeric items
func Numbers(raw map[string]interface{}, key string) []float64 {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		if f, ok := toFloat(item); ok {
			out = append(out, f)
		}
	}
	return out
}

// Text extracts a string metric
func Text(raw map[string]interface{}, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
