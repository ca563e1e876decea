package thresholds

import "vitalwatch/internal/model"

func ptr(v float64) *float64 { return &v }

// Built-in normal bands used when no clinician rule matches. Blood pressure,
// glucose and heart rate are classified from fixed constants; their entries
// here describe the same bands for display.
var defaults = map[model.MetricType]model.ThresholdRule{
	model.MetricBloodPressure: {MinValue: 91, MaxValue: 139, CriticalHigh: ptr(180)},
	model.MetricBloodGlucose:  {MinValue: 3.6, MaxValue: 6.9, CriticalLow: ptr(2.5), CriticalHigh: ptr(15)},
	model.MetricHeartRate:     {MinValue: 61, MaxValue: 99, CriticalLow: ptr(40), CriticalHigh: ptr(140)},
	model.MetricWeight:        {MinValue: 40, MaxValue: 120, CriticalLow: ptr(30), CriticalHigh: ptr(200)},
	model.MetricUricAcid:      {MinValue: 150, MaxValue: 420, CriticalHigh: ptr(600)},
	model.MetricLipids:        {MinValue: 2.8, MaxValue: 5.2, CriticalHigh: ptr(7.8)},
}

// Default returns the built-in rule for a metric type.
func Default(mt model.MetricType) (model.ThresholdRule, bool) {
	rule, ok := defaults[mt]
	if !ok {
		return model.ThresholdRule{}, false
	}
	rule.ID = "default:" + string(mt)
	rule.MetricType = mt
	rule.Active = true
	rule.Owner = "system"
	rule.Default = true
	return rule, true
}
