package engine

import (
	"context"
	"fmt"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/model"
)

type RuleResolver interface {
	Resolve(ctx context.Context, mt model.MetricType, demo model.Demographics) (model.ThresholdRule, error)
}

// Classifier maps one measurement onto normal/low/high/critical. Blood
// pressure, glucose and heart rate use fixed clinical bands; the remaining
// metric types are classified against the resolved threshold rule.
type Classifier struct {
	rules RuleResolver
}

func NewClassifier(rules RuleResolver) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(ctx context.Context, m model.Measurement, demo model.Demographics) (model.Classification, error) {
	if m == nil {
		return model.Classification{}, apperr.Validation("measurement is required", nil)
	}
	if err := m.Validate(); err != nil {
		return model.Classification{}, err
	}
	switch v := m.(type) {
	case model.BloodPressure:
		return ClassifyBloodPressure(v), nil
	case model.BloodGlucose:
		return ClassifyGlucose(v.MmolL), nil
	case model.HeartRate:
		return ClassifyHeartRate(v.BPM), nil
	}
	if c == nil || c.rules == nil {
		return model.Classification{}, fmt.Errorf("no threshold rules available for %s", m.MetricType())
	}
	rule, err := c.rules.Resolve(ctx, m.MetricType(), demo)
	if err != nil {
		return model.Classification{}, err
	}
	return ClassifyRange(m.Primary(), rule), nil
}

func ClassifyBloodPressure(bp model.BloodPressure) model.Classification {
	switch {
	case bp.Systolic >= 180 || bp.Diastolic >= 110:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionHigh}
	case bp.Systolic >= 140 || bp.Diastolic >= 90:
		return model.Classification{Level: model.LevelHigh, Direction: model.DirectionHigh}
	case bp.Systolic <= 90 || bp.Diastolic <= 60:
		return model.Classification{Level: model.LevelLow, Direction: model.DirectionLow}
	}
	return model.Classification{Level: model.LevelNormal}
}

// ClassifyGlucose expects mmol/L.
func ClassifyGlucose(v float64) model.Classification {
	switch {
	case v >= 15.0:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionHigh}
	case v <= 2.5:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionLow}
	case v >= 7.0:
		return model.Classification{Level: model.LevelHigh, Direction: model.DirectionHigh}
	case v <= 3.5:
		return model.Classification{Level: model.LevelLow, Direction: model.DirectionLow}
	}
	return model.Classification{Level: model.LevelNormal}
}

func ClassifyHeartRate(bpm float64) model.Classification {
	switch {
	case bpm >= 140:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionHigh}
	case bpm <= 40:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionLow}
	case bpm >= 100:
		return model.Classification{Level: model.LevelHigh, Direction: model.DirectionHigh}
	case bpm <= 60:
		return model.Classification{Level: model.LevelLow, Direction: model.DirectionLow}
	}
	return model.Classification{Level: model.LevelNormal}
}

// ClassifyRange treats [MinValue, MaxValue] as the normal band and the
// optional critical bounds as inclusive.
func ClassifyRange(v float64, rule model.ThresholdRule) model.Classification {
	switch {
	case rule.CriticalHigh != nil && v >= *rule.CriticalHigh:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionHigh}
	case rule.CriticalLow != nil && v <= *rule.CriticalLow:
		return model.Classification{Level: model.LevelCritical, Direction: model.DirectionLow}
	case v > rule.MaxValue:
		return model.Classification{Level: model.LevelHigh, Direction: model.DirectionHigh}
	case v < rule.MinValue:
		return model.Classification{Level: model.LevelLow, Direction: model.DirectionLow}
	}
	return model.Classification{Level: model.LevelNormal}
}
