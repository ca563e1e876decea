package engine

import (
	"math"
	"sort"
	"time"

	"vitalwatch/internal/model"
)

// WindowStats summarizes the primary value of the readings in a window.
type WindowStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

// SelectWindow keeps readings measured in [now-span, now] and returns them
// sorted ascending by MeasuredAt. Future-dated readings are dropped.
func SelectWindow(readings []model.Reading, now time.Time, span time.Duration) []model.Reading {
	cutoff := now.Add(-span)
	out := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Measurement == nil || r.MeasuredAt.After(now) {
			continue
		}
		if span > 0 && r.MeasuredAt.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MeasuredAt.Before(out[j].MeasuredAt)
	})
	return out
}

func ComputeStats(readings []model.ClassifiedReading) WindowStats {
	if len(readings) == 0 {
		return WindowStats{}
	}
	var (
		n    int
		mean float64
		m2   float64
	)
	stats := WindowStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, r := range readings {
		if r.Reading.Measurement == nil {
			continue
		}
		v := r.Reading.Measurement.Primary()
		n++
		diff := v - mean
		mean += diff / float64(n)
		m2 += diff * (v - mean)
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	if n == 0 {
		return WindowStats{}
	}
	stats.Count = n
	stats.Mean = mean
	stats.StdDev = math.Sqrt(m2 / float64(n))
	return stats
}
