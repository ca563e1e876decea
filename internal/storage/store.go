package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

type ReadingStore interface {
	SaveReading(ctx context.Context, reading model.Reading) error
	// ReadingsInRange returns readings ordered by measured_at ascending.
	ReadingsInRange(ctx context.Context, patientID string, mt model.MetricType, from, to time.Time) ([]model.Reading, error)
}

type ReminderStore interface {
	SaveReminder(ctx context.Context, reminder model.Reminder) error
	RemindersInRange(ctx context.Context, patientID string, from, to time.Time) ([]model.Reminder, error)
}

type PatientStore interface {
	SaveDoctor(ctx context.Context, doctor model.Doctor) error
	SavePatient(ctx context.Context, patient model.Patient) error
	AssignPatient(ctx context.Context, doctorID, patientID string, active bool) error
	DoctorExists(ctx context.Context, doctorID string) (bool, error)
	ListDoctors(ctx context.Context) ([]string, error)
	ActivePatients(ctx context.Context, doctorID string) ([]model.Patient, error)
	DoctorsForPatient(ctx context.Context, patientID string) ([]string, error)
	Patient(ctx context.Context, patientID string) (model.Patient, error)
}

type RuleStore interface {
	SaveRule(ctx context.Context, rule model.ThresholdRule) error
	ActiveRules(ctx context.Context, mt model.MetricType) ([]model.ThresholdRule, error)
}

type AlertFilter struct {
	DoctorID  string
	PatientID string
	Status    model.AlertStatus
	Type      model.AlertType
	Limit     int
}

type AlertStore interface {
	// CreateAlert returns an apperr conflict when a pending alert with the
	// same fingerprint already exists in the same dedup slot.
	CreateAlert(ctx context.Context, alert model.Alert) error
	FindPendingAlerts(ctx context.Context, patientID, doctorID string, alertType model.AlertType, since time.Time) ([]model.Alert, error)
	LatestAlert(ctx context.Context, patientID, doctorID string, alertType model.AlertType, fingerprint string) (model.Alert, bool, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	TransitionAlert(ctx context.Context, alertID string, status model.AlertStatus, by string, at time.Time) (model.Alert, error)
}

type Store interface {
	ReadingStore
	ReminderStore
	PatientStore
	RuleStore
	AlertStore
	Init(ctx context.Context) error
	Close() error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw string, dst any) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
