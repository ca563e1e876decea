package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

// ReadingFields is a reading as it arrives from a transport, before any
// value has been parsed.
type ReadingFields struct {
	ID         string
	PatientID  string
	MetricType string
	Timestamp  string
	Value      string
	Systolic   string
	Diastolic  string
	Unit       string
	RecordedBy string
	Extras     map[string]string
	Raw        string
}

var metricAliases = map[string]model.MetricType{
	"blood_pressure": model.MetricBloodPressure,
	"bp":             model.MetricBloodPressure,
	"bloodpressure":  model.MetricBloodPressure,
	"blood_glucose":  model.MetricBloodGlucose,
	"glucose":        model.MetricBloodGlucose,
	"bg":             model.MetricBloodGlucose,
	"heart_rate":     model.MetricHeartRate,
	"hr":             model.MetricHeartRate,
	"pulse":          model.MetricHeartRate,
	"weight":         model.MetricWeight,
	"uric_acid":      model.MetricUricAcid,
	"ua":             model.MetricUricAcid,
	"lipids":         model.MetricLipids,
	"cholesterol":    model.MetricLipids,
	"tc":             model.MetricLipids,
}

func ParseMetric(value string) (model.MetricType, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	mt, ok := metricAliases[key]
	return mt, ok
}

// Normalize turns raw fields into a validated reading. A missing timestamp
// means "now"; one further than the configured skew in the future is rejected.
func Normalize(fields ReadingFields, cfg *config.Config, now time.Time) (model.Reading, error) {
	patient := strings.TrimSpace(fields.PatientID)
	if patient == "" {
		return model.Reading{}, apperr.Validation("patient_id is required", map[string]string{"patient_id": "required"})
	}
	mt, ok := ParseMetric(fields.MetricType)
	if !ok {
		return model.Reading{}, apperr.Validation("unknown metric type", map[string]string{"metric_type": fields.MetricType})
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	ts := now.UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Reading{}, apperr.Validation(fmt.Sprintf("parse timestamp: %v", err), map[string]string{"timestamp": fields.Timestamp})
		}
		ts = parsed.UTC()
	}
	if cfg != nil && cfg.Ingest.Parser.MaxFutureSkew > 0 && ts.Sub(now) > cfg.Ingest.Parser.MaxFutureSkew {
		return model.Reading{}, apperr.Validation("timestamp is in the future", map[string]string{"timestamp": ts.Format(time.RFC3339)})
	}

	m, err := buildMeasurement(mt, fields)
	if err != nil {
		return model.Reading{}, err
	}
	if err := m.Validate(); err != nil {
		return model.Reading{}, err
	}

	id := strings.TrimSpace(fields.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return model.Reading{
		ID:          id,
		PatientID:   patient,
		MeasuredAt:  ts,
		RecordedBy:  strings.TrimSpace(fields.RecordedBy),
		Measurement: m,
	}, nil
}

func buildMeasurement(mt model.MetricType, fields ReadingFields) (model.Measurement, error) {
	if mt == model.MetricBloodPressure {
		sys, dia := fields.Systolic, fields.Diastolic
		if sys == "" && dia == "" {
			if s, d, ok := strings.Cut(fields.Value, "/"); ok {
				sys, dia = s, d
			}
		}
		systolic, err := parseNumber("systolic", sys)
		if err != nil {
			return nil, err
		}
		diastolic, err := parseNumber("diastolic", dia)
		if err != nil {
			return nil, err
		}
		return model.BloodPressure{Systolic: systolic, Diastolic: diastolic}, nil
	}
	v, err := parseNumber("value", fields.Value)
	if err != nil {
		return nil, err
	}
	return model.NewScalar(mt, convertUnit(mt, v, fields.Unit))
}

// convertUnit maps common alternative units onto the stored ones:
// glucose and lipids in mmol/L, uric acid in umol/L, weight in kg.
func convertUnit(mt model.MetricType, v float64, unit string) float64 {
	u := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(unit), " ", ""))
	switch {
	case mt == model.MetricBloodGlucose && u == "mg/dl":
		return v / 18.0
	case mt == model.MetricLipids && u == "mg/dl":
		return v / 38.67
	case mt == model.MetricUricAcid && u == "mg/dl":
		return v * 59.48
	case mt == model.MetricWeight && (u == "lb" || u == "lbs"):
		return v * 0.45359237
	}
	return v
}

func parseNumber(field, value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, apperr.Validation(field+" is required", map[string]string{field: "required"})
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, apperr.Validation(field+" is not a number", map[string]string{field: value})
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
