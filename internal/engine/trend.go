package engine

import (
	"time"

	"vitalwatch/internal/model"
)

const DefaultStreakLength = 3

type StreakResult struct {
	MetricType  model.MetricType          `json:"metric_type"`
	Direction   model.Direction           `json:"direction"`
	Count       int                       `json:"count"`
	WindowStart time.Time                 `json:"window_start"`
	WindowEnd   time.Time                 `json:"window_end"`
	// RunEnd is the newest reading of the run, past WindowEnd when the run
	// kept going.
	RunEnd      time.Time                 `json:"run_end"`
	Readings    []model.ClassifiedReading `json:"-"`
	Stats       WindowStats               `json:"stats"`
}

// DetectStreak scans readings in order and reports the first run of
// streakLength consecutive abnormal readings sharing a metric type and
// direction. Count keeps growing while the run continues past that point.
// Readings are expected in ascending time order.
func DetectStreak(readings []model.ClassifiedReading, streakLength int) (StreakResult, bool) {
	res, _, ok := detectRun(readings, streakLength)
	return res, ok
}

// DetectStreaks reports every separate run in readings, oldest first.
func DetectStreaks(readings []model.ClassifiedReading, streakLength int) []StreakResult {
	var out []StreakResult
	for len(readings) > 0 {
		res, end, ok := detectRun(readings, streakLength)
		if !ok {
			break
		}
		out = append(out, res)
		readings = readings[end:]
	}
	return out
}

// detectRun returns the first qualifying run and the index just past it.
func detectRun(readings []model.ClassifiedReading, streakLength int) (StreakResult, int, bool) {
	if streakLength <= 0 {
		streakLength = DefaultStreakLength
	}
	if len(readings) < streakLength {
		return StreakResult{}, len(readings), false
	}

	var (
		start  int
		count  int
		dir    model.Direction
		mt     model.MetricType
		result StreakResult
		found  bool
	)
	for i, r := range readings {
		c := r.Classification
		if !c.Abnormal() {
			if found {
				return result, i, true
			}
			count = 0
			continue
		}
		rt := r.Reading.MetricType()
		if count == 0 || c.Direction != dir || rt != mt {
			if found {
				return result, i, true
			}
			start, count, dir, mt = i, 1, c.Direction, rt
		} else {
			count++
		}
		if found {
			result.Count = count
			result.RunEnd = r.Reading.MeasuredAt
			continue
		}
		if count == streakLength {
			window := readings[start : start+streakLength]
			result = StreakResult{
				MetricType:  mt,
				Direction:   dir,
				Count:       count,
				WindowStart: window[0].Reading.MeasuredAt,
				WindowEnd:   window[len(window)-1].Reading.MeasuredAt,
				RunEnd:      window[len(window)-1].Reading.MeasuredAt,
				Readings:    window,
				Stats:       ComputeStats(window),
			}
			found = true
		}
	}
	return result, len(readings), found
}
