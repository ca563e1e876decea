package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vitalwatch/internal/model"
)

// candidate is an alert the analysis wants to raise, before dedup. Key is the
// identifying part fed into the fingerprint. EvidenceAt is the time of the
// newest reading behind it; zero for findings that are recomputed from
// scratch on every pass.
type candidate struct {
	Type             model.AlertType
	Priority         model.Priority
	Key              string
	Title            string
	Message          string
	RelatedReadingID string
	EvidenceAt       time.Time
	Context          map[string]string
}

func metricLabel(mt model.MetricType) string {
	return strings.ReplaceAll(string(mt), "_", " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func thresholdCandidate(r model.ClassifiedReading) candidate {
	mt := r.Reading.MetricType()
	label := metricLabel(mt)
	return candidate{
		Type:     model.AlertThresholdExceeded,
		Priority: model.PriorityCritical,
		Key:      string(mt),
		Title:    fmt.Sprintf("Critical %s reading", label),
		Message: fmt.Sprintf("%s of %s measured at %s is critically %s.",
			titleCase(label), r.Reading.Measurement, r.Reading.MeasuredAt.Format(time.RFC3339),
			r.Classification.Direction),
		RelatedReadingID: r.Reading.ID,
		EvidenceAt:       r.Reading.MeasuredAt,
		Context: map[string]string{
			"metric_type": string(mt),
			"direction":   string(r.Classification.Direction),
			"value":       r.Reading.Measurement.String(),
			"measured_at": r.Reading.MeasuredAt.Format(time.RFC3339),
		},
	}
}

func trendPriority(mt model.MetricType) model.Priority {
	switch mt {
	case model.MetricBloodPressure, model.MetricBloodGlucose, model.MetricHeartRate:
		return model.PriorityHigh
	default:
		return model.PriorityMedium
	}
}

func trendKey(s StreakResult) string {
	return string(s.MetricType) + ":" + string(s.Direction)
}

func trendCandidate(s StreakResult) candidate {
	label := metricLabel(s.MetricType)
	last := s.Readings[len(s.Readings)-1].Reading
	return candidate{
		Type:     model.AlertAbnormalTrend,
		Priority: trendPriority(s.MetricType),
		Key:      trendKey(s),
		Title:    fmt.Sprintf("Abnormal %s trend", label),
		Message: fmt.Sprintf("%d consecutive %s %s readings between %s and %s (mean %.1f, range %s-%s).",
			s.Count, s.Direction, label,
			s.WindowStart.Format("2006-01-02"), s.WindowEnd.Format("2006-01-02"),
			s.Stats.Mean, formatFloat(s.Stats.Min), formatFloat(s.Stats.Max)),
		RelatedReadingID: last.ID,
		EvidenceAt:       s.RunEnd,
		Context: map[string]string{
			"metric_type":  string(s.MetricType),
			"direction":    string(s.Direction),
			"count":        strconv.Itoa(s.Count),
			"window_start": s.WindowStart.Format(time.RFC3339),
			"window_end":   s.WindowEnd.Format(time.RFC3339),
			"mean":         strconv.FormatFloat(s.Stats.Mean, 'f', 2, 64),
			"stddev":       strconv.FormatFloat(s.Stats.StdDev, 'f', 2, 64),
		},
	}
}

func adherenceCandidate(f AdherenceFinding, window time.Duration) candidate {
	res := f.Result
	var parts []string
	if f.MissedStreak {
		parts = append(parts, fmt.Sprintf("%d consecutive doses missed", res.ConsecutiveMissed))
	}
	if res.HasRate() {
		parts = append(parts, fmt.Sprintf("adherence %.0f%% over the last %s (%d of %d taken)",
			res.Rate*100, humanWindow(window), res.Taken, res.Total))
	}
	ctx := map[string]string{
		"medication":         f.MedicationName,
		"plan_id":            f.PlanID,
		"consecutive_missed": strconv.Itoa(res.ConsecutiveMissed),
		"taken":              strconv.Itoa(res.Taken),
		"total":              strconv.Itoa(res.Total),
	}
	if res.HasRate() {
		ctx["rate"] = strconv.FormatFloat(res.Rate, 'f', 3, 64)
	}
	return candidate{
		Type:     model.AlertMissedMedication,
		Priority: f.Priority,
		Key:      f.MedicationName,
		Title:    "Missed medication: " + f.MedicationName,
		Message:  titleCase(strings.Join(parts, "; ")) + ".",
		Context:  ctx,
	}
}

func humanWindow(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "day"
		}
		return strconv.Itoa(days) + " days"
	}
	return d.String()
}
