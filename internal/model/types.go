package model

import "time"

type Level string

const (
	LevelNormal   Level = "normal"
	LevelLow      Level = "low"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Severity orders levels by distance from the normal band; low and high are
// siblings.
func (l Level) Severity() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelLow, LevelHigh:
		return 1
	default:
		return 0
	}
}

type Direction string

const (
	DirectionNone Direction = ""
	DirectionLow  Direction = "low"
	DirectionHigh Direction = "high"
)

type Classification struct {
	Level     Level     `json:"level"`
	Direction Direction `json:"direction,omitempty"`
}

func (c Classification) Abnormal() bool {
	return c.Level != LevelNormal
}

type Reading struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	MeasuredAt  time.Time   `json:"measured_at"`
	RecordedBy  string      `json:"recorded_by,omitempty"`
	Measurement Measurement `json:"-"`
}

func (r Reading) MetricType() MetricType {
	if r.Measurement == nil {
		return ""
	}
	return r.Measurement.MetricType()
}

type ClassifiedReading struct {
	Reading        Reading
	Classification Classification
}

type Demographics struct {
	Gender       string   `json:"gender,omitempty"`
	Age          int      `json:"age,omitempty"`
	DiseaseTypes []string `json:"disease_types,omitempty"`
}

type Patient struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Demographics Demographics `json:"demographics"`
}

type Doctor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AgeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

func (r AgeRange) Contains(age int) bool {
	return age >= r.Min && age <= r.Max
}

type ThresholdRule struct {
	ID           string     `json:"id"`
	MetricType   MetricType `json:"metric_type"`
	MinValue     float64    `json:"min_value"`
	MaxValue     float64    `json:"max_value"`
	CriticalLow  *float64   `json:"critical_low,omitempty"`
	CriticalHigh *float64   `json:"critical_high,omitempty"`
	Gender       string     `json:"gender,omitempty"`
	AgeRange     *AgeRange  `json:"age_range,omitempty"`
	DiseaseType  string     `json:"disease_type,omitempty"`
	Active       bool       `json:"active"`
	Owner        string     `json:"owner,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Default      bool       `json:"default,omitempty"`
}

type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	ReminderTaken   ReminderStatus = "taken"
	ReminderMissed  ReminderStatus = "missed"
	ReminderSkipped ReminderStatus = "skipped"
	ReminderDelayed ReminderStatus = "delayed"
)

type Reminder struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"`
	PatientID      string         `json:"patient_id"`
	MedicationName string         `json:"medication_name"`
	ScheduledTime  time.Time      `json:"scheduled_time"`
	Status         ReminderStatus `json:"status"`
	ConfirmTime    *time.Time     `json:"confirm_time,omitempty"`
}

type AlertType string

const (
	AlertThresholdExceeded  AlertType = "threshold_exceeded"
	AlertAbnormalTrend      AlertType = "abnormal_trend"
	AlertMissedMedication   AlertType = "missed_medication"
	AlertSystemNotification AlertType = "system_notification"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// MaxPriority returns the higher of two priorities.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertHandled   AlertStatus = "handled"
	AlertDismissed AlertStatus = "dismissed"
)

type Alert struct {
	ID               string            `json:"id"`
	PatientID        string            `json:"patient_id"`
	DoctorID         string            `json:"doctor_id"`
	Type             AlertType         `json:"alert_type"`
	Priority         Priority          `json:"priority"`
	Title            string            `json:"title"`
	Message          string            `json:"message"`
	Fingerprint      string            `json:"fingerprint"`
	Status           AlertStatus       `json:"status"`
	RelatedReadingID string            `json:"related_reading_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	HandledAt        *time.Time        `json:"handled_at,omitempty"`
	HandledBy        string            `json:"handled_by,omitempty"`
	Context          map[string]string `json:"context,omitempty"`

	// DedupSlot is the cool-down bucket the alert was created in.
	DedupSlot int64 `json:"-"`
}
