package engine

import (
	"sort"
	"strings"
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

const DefaultOverdueGrace = 30 * time.Minute

type AdherenceResult struct {
	Rate              float64 `json:"rate"`
	ConsecutiveMissed int     `json:"consecutive_missed"`
	Total             int     `json:"total"`
	Taken             int     `json:"taken"`
	Pending           int     `json:"pending"`
	Overdue           int     `json:"overdue"`
	// Unknown counts reminders whose status is not recognised. They are left
	// out of the rate and the missed run.
	Unknown           int     `json:"unknown"`
}

// HasRate is false when no reminder has been confirmed yet.
func (r AdherenceResult) HasRate() bool {
	return r.Total > 0
}

// ComputeAdherence derives the adherence rate over confirmed reminders and the
// run of missed doses ending at the most recent reminder. A pending reminder
// more than grace past its scheduled time counts as missed for the run; one
// still inside the grace period is ignored, as is any unrecognised status.
// Statuses are never rewritten.
func ComputeAdherence(reminders []model.Reminder, now time.Time, grace time.Duration) AdherenceResult {
	if grace <= 0 {
		grace = DefaultOverdueGrace
	}
	var res AdherenceResult
	for _, r := range reminders {
		switch r.Status {
		case model.ReminderPending:
			res.Pending++
			if isOverdue(r, now, grace) {
				res.Overdue++
			}
		case model.ReminderTaken:
			res.Total++
			res.Taken++
		case model.ReminderMissed, model.ReminderSkipped, model.ReminderDelayed:
			res.Total++
		default:
			res.Unknown++
		}
	}
	if res.Total > 0 {
		res.Rate = float64(res.Taken) / float64(res.Total)
	}

	ordered := make([]model.Reminder, len(reminders))
	copy(ordered, reminders)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ScheduledTime.Before(ordered[j].ScheduledTime)
	})
streak:
	for i := len(ordered) - 1; i >= 0; i-- {
		r := ordered[i]
		switch r.Status {
		case model.ReminderPending:
			if isOverdue(r, now, grace) {
				res.ConsecutiveMissed++
			}
		case model.ReminderMissed:
			res.ConsecutiveMissed++
		case model.ReminderTaken, model.ReminderSkipped, model.ReminderDelayed:
			break streak
		}
	}
	return res
}

func isOverdue(r model.Reminder, now time.Time, grace time.Duration) bool {
	return now.Sub(r.ScheduledTime) > grace
}

// AdherenceSeverity maps a rate onto an alert priority. ok is false when the
// rate is above every cut-off.
func AdherenceSeverity(rate float64, cuts config.AdherenceCuts) (model.Priority, bool) {
	switch {
	case rate <= cuts.Critical:
		return model.PriorityCritical, true
	case rate <= cuts.High:
		return model.PriorityHigh, true
	case rate <= cuts.Medium:
		return model.PriorityMedium, true
	}
	return "", false
}

type AdherenceFinding struct {
	PlanID         string
	MedicationName string
	Result         AdherenceResult
	Priority       model.Priority
	MissedStreak   bool
	RateTriggered  bool
}

// EvaluateAdherence groups reminders per medication plan and returns at most
// one finding per plan. A missed streak alone is high priority; when the rate
// also crosses a cut-off the higher of the two wins.
func EvaluateAdherence(reminders []model.Reminder, now time.Time, cfg config.AnalysisConfig) []AdherenceFinding {
	groups := make(map[string][]model.Reminder)
	order := make([]string, 0)
	for _, r := range reminders {
		key := planKey(r)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	sort.Strings(order)

	threshold := cfg.MissedStreakThreshold
	if threshold <= 0 {
		threshold = 3
	}
	findings := make([]AdherenceFinding, 0)
	for _, key := range order {
		group := groups[key]
		res := ComputeAdherence(group, now, cfg.OverdueGrace)
		f := AdherenceFinding{
			PlanID:         group[0].PlanID,
			MedicationName: medicationName(group),
			Result:         res,
		}
		if res.ConsecutiveMissed >= threshold {
			f.MissedStreak = true
			f.Priority = model.PriorityHigh
		}
		if res.HasRate() {
			if p, ok := AdherenceSeverity(res.Rate, cfg.Adherence); ok {
				f.RateTriggered = true
				f.Priority = model.MaxPriority(f.Priority, p)
			}
		}
		if f.MissedStreak || f.RateTriggered {
			findings = append(findings, f)
		}
	}
	return findings
}

func planKey(r model.Reminder) string {
	if r.PlanID != "" {
		return r.PlanID
	}
	return "med:" + NormalizeKey(r.MedicationName)
}

func medicationName(group []model.Reminder) string {
	for i := len(group) - 1; i >= 0; i-- {
		if name := strings.TrimSpace(group[i].MedicationName); name != "" {
			return name
		}
	}
	return group[0].PlanID
}
