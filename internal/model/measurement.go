package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"vitalwatch/internal/apperr"
)

type MetricType string

const (
	MetricBloodPressure MetricType = "blood_pressure"
	MetricBloodGlucose  MetricType = "blood_glucose"
	MetricHeartRate     MetricType = "heart_rate"
	MetricWeight        MetricType = "weight"
	MetricUricAcid      MetricType = "uric_acid"
	MetricLipids        MetricType = "lipids"
)

// AllMetricTypes lists every metric type in a stable order.
var AllMetricTypes = []MetricType{
	MetricBloodPressure,
	MetricBloodGlucose,
	MetricHeartRate,
	MetricWeight,
	MetricUricAcid,
	MetricLipids,
}

func ParseMetricType(s string) (MetricType, bool) {
	mt := MetricType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllMetricTypes {
		if known == mt {
			return mt, true
		}
	}
	return "", false
}

// Measurement is one case per metric type; only the types in this package
// implement it.
type Measurement interface {
	MetricType() MetricType
	// Primary is the scalar used for window statistics and range rules.
	Primary() float64
	Validate() error
	String() string
	sealed()
}

type BloodPressure struct {
	Systolic  float64 `json:"systolic"`
	Diastolic float64 `json:"diastolic"`
}

type BloodGlucose struct {
	MmolL float64 `json:"mmol_l"`
}

type HeartRate struct {
	BPM float64 `json:"bpm"`
}

type Weight struct {
	Kg float64 `json:"kg"`
}

type UricAcid struct {
	UmolL float64 `json:"umol_l"`
}

type Lipids struct {
	TotalCholesterol float64 `json:"total_cholesterol"`
}

func (BloodPressure) MetricType() MetricType { return MetricBloodPressure }
func (BloodGlucose) MetricType() MetricType  { return MetricBloodGlucose }
func (HeartRate) MetricType() MetricType     { return MetricHeartRate }
func (Weight) MetricType() MetricType        { return MetricWeight }
func (UricAcid) MetricType() MetricType      { return MetricUricAcid }
func (Lipids) MetricType() MetricType        { return MetricLipids }

func (m BloodPressure) Primary() float64 { return m.Systolic }
func (m BloodGlucose) Primary() float64  { return m.MmolL }
func (m HeartRate) Primary() float64     { return m.BPM }
func (m Weight) Primary() float64        { return m.Kg }
func (m UricAcid) Primary() float64      { return m.UmolL }
func (m Lipids) Primary() float64        { return m.TotalCholesterol }

func (m BloodPressure) Validate() error {
	details := map[string]string{}
	if !positive(m.Systolic) {
		details["systolic"] = "required"
	}
	if !positive(m.Diastolic) {
		details["diastolic"] = "required"
	}
	if len(details) > 0 {
		return apperr.Validation("blood pressure reading is incomplete", details)
	}
	return nil
}

func (m BloodGlucose) Validate() error { return requireField(MetricBloodGlucose, "mmol_l", m.MmolL) }
func (m HeartRate) Validate() error    { return requireField(MetricHeartRate, "bpm", m.BPM) }
func (m Weight) Validate() error       { return requireField(MetricWeight, "kg", m.Kg) }
func (m UricAcid) Validate() error     { return requireField(MetricUricAcid, "umol_l", m.UmolL) }
func (m Lipids) Validate() error {
	return requireField(MetricLipids, "total_cholesterol", m.TotalCholesterol)
}

func (m BloodPressure) String() string { return fmt.Sprintf("%.0f/%.0f mmHg", m.Systolic, m.Diastolic) }
func (m BloodGlucose) String() string  { return fmt.Sprintf("%.1f mmol/L", m.MmolL) }
func (m HeartRate) String() string     { return fmt.Sprintf("%.0f bpm", m.BPM) }
func (m Weight) String() string        { return fmt.Sprintf("%.1f kg", m.Kg) }
func (m UricAcid) String() string      { return fmt.Sprintf("%.0f umol/L", m.UmolL) }
func (m Lipids) String() string        { return fmt.Sprintf("%.2f mmol/L", m.TotalCholesterol) }

func (BloodPressure) sealed() {}
func (BloodGlucose) sealed()  {}
func (HeartRate) sealed()     {}
func (Weight) sealed()        {}
func (UricAcid) sealed()      {}
func (Lipids) sealed()        {}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func requireField(mt MetricType, field string, v float64) error {
	if positive(v) {
		return nil
	}
	return apperr.Validation(fmt.Sprintf("%s reading is incomplete", mt), map[string]string{field: "required"})
}

// EncodeMeasurement returns the JSON payload stored next to the metric type.
func EncodeMeasurement(m Measurement) (string, error) {
	if m == nil {
		return "", apperr.Validation("measurement is required", nil)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMeasurement is the inverse of EncodeMeasurement.
func DecodeMeasurement(mt MetricType, payload []byte) (Measurement, error) {
	var (
		m   Measurement
		err error
	)
	switch mt {
	case MetricBloodPressure:
		var v BloodPressure
		err = json.Unmarshal(payload, &v)
		m = v
	case MetricBloodGlucose:
		var v BloodGlucose
		err = json.Unmarshal(payload, &v)
		m = v
	case MetricHeartRate:
		var v HeartRate
		err = json.Unmarshal(payload, &v)
		m = v
	case MetricWeight:
		var v Weight
		err = json.Unmarshal(payload, &v)
		m = v
	case MetricUricAcid:
		var v UricAcid
		err = json.Unmarshal(payload, &v)
		m = v
	case MetricLipids:
		var v Lipids
		err = json.Unmarshal(payload, &v)
		m = v
	default:
		return nil, apperr.Validation("unknown metric type", map[string]string{"metric_type": string(mt)})
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", mt, err)
	}
	return m, nil
}

// NewScalar builds the measurement for a single-valued metric type.
func NewScalar(mt MetricType, value float64) (Measurement, error) {
	switch mt {
	case MetricBloodGlucose:
		return BloodGlucose{MmolL: value}, nil
	case MetricHeartRate:
		return HeartRate{BPM: value}, nil
	case MetricWeight:
		return Weight{Kg: value}, nil
	case MetricUricAcid:
		return UricAcid{UmolL: value}, nil
	case MetricLipids:
		return Lipids{TotalCholesterol: value}, nil
	default:
		return nil, apperr.Validation("metric type is not single-valued", map[string]string{"metric_type": string(mt)})
	}
}
