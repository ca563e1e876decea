package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/model"
)

type dialect struct {
	name        string
	placeholder func(n int) string
	isUnique    func(err error) bool
}

// sqlStore holds the queries shared by every driver. Statements are written
// with '?' placeholders and rebound for the dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, d: d}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS doctors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT 0,
		disease_types TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS doctor_patients (
		doctor_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (doctor_id, patient_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_doctor_patients_patient ON doctor_patients(patient_id)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		measured_at BIGINT NOT NULL,
		recorded_by TEXT NOT NULL DEFAULT '',
		primary_value DOUBLE PRECISION NOT NULL,
		value_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_patient_metric ON readings(patient_id, metric_type, measured_at)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		medication_name TEXT NOT NULL DEFAULT '',
		scheduled_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		confirmed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_patient ON reminders(patient_id, scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS threshold_rules (
		id TEXT PRIMARY KEY,
		metric_type TEXT NOT NULL,
		min_value DOUBLE PRECISION NOT NULL,
		max_value DOUBLE PRECISION NOT NULL,
		critical_low DOUBLE PRECISION,
		critical_high DOUBLE PRECISION,
		gender TEXT NOT NULL DEFAULT '',
		age_min INTEGER,
		age_max INTEGER,
		disease_type TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		owner TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threshold_rules_metric ON threshold_rules(metric_type, active)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		doctor_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		related_reading_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		handled_at BIGINT,
		handled_by TEXT NOT NULL DEFAULT '',
		context_json TEXT,
		dedup_slot BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_lookup ON alerts(patient_id, doctor_id, alert_type, status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_pending ON alerts(patient_id, doctor_id, alert_type, fingerprint, dedup_slot) WHERE status = 'pending'`,
}

func (s *sqlStore) rebind(query string) string {
	if s.d.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) SaveDoctor(ctx context.Context, doctor model.Doctor) error {
	if strings.TrimSpace(doctor.ID) == "" {
		return apperr.Validation("doctor id is required", nil)
	}
	_, err := s.exec(ctx,
		`INSERT INTO doctors (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		doctor.ID, doctor.Name)
	return err
}

func (s *sqlStore) SavePatient(ctx context.Context, p model.Patient) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperr.Validation("patient id is required", nil)
	}
	diseases := p.Demographics.DiseaseTypes
	if diseases == nil {
		diseases = []string{}
	}
	_, err := s.exec(ctx,
		`INSERT INTO patients (id, name, gender, age, disease_types) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, gender = excluded.gender,
			age = excluded.age, disease_types = excluded.disease_types`,
		p.ID, p.Name, p.Demographics.Gender, p.Demographics.Age, encodeJSON(diseases))
	return err
}

func (s *sqlStore) AssignPatient(ctx context.Context, doctorID, patientID string, active bool) error {
	if doctorID == "" || patientID == "" {
		return apperr.Validation("doctor and patient ids are required", nil)
	}
	_, err := s.exec(ctx,
		`INSERT INTO doctor_patients (doctor_id, patient_id, active) VALUES (?, ?, ?)
		ON CONFLICT (doctor_id, patient_id) DO UPDATE SET active = excluded.active`,
		doctorID, patientID, boolToInt(active))
	return err
}

func (s *sqlStore) DoctorExists(ctx context.Context, doctorID string) (bool, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM doctors WHERE id = ?`, doctorID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListDoctors(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM doctors ORDER BY id`)
}

func (s *sqlStore) DoctorsForPatient(ctx context.Context, patientID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT doctor_id FROM doctor_patients WHERE patient_id = ? AND active = 1 ORDER BY doctor_id`,
		patientID)
}

func (s *sqlStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const patientColumns = `p.id, p.name, p.gender, p.age, p.disease_types`

func scanPatient(sc interface{ Scan(...any) error }) (model.Patient, error) {
	var (
		p        model.Patient
		diseases string
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Demographics.Gender, &p.Demographics.Age, &diseases); err != nil {
		return model.Patient{}, err
	}
	decodeJSON(diseases, &p.Demographics.DiseaseTypes)
	return p, nil
}

func (s *sqlStore) ActivePatients(ctx context.Context, doctorID string) ([]model.Patient, error) {
	rows, err := s.query(ctx,
		`SELECT `+patientColumns+` FROM patients p
		JOIN doctor_patients dp ON dp.patient_id = p.id
		WHERE dp.doctor_id = ? AND dp.active = 1
		ORDER BY p.id`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) Patient(ctx context.Context, patientID string) (model.Patient, error) {
	p, err := scanPatient(s.queryRow(ctx, `SELECT `+patientColumns+` FROM patients p WHERE p.id = ?`, patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Patient{}, apperr.NotFound("patient", patientID)
	}
	return p, err
}

func (s *sqlStore) SaveReading(ctx context.Context, r model.Reading) error {
	if r.Measurement == nil {
		return apperr.Validation("reading has no measurement", nil)
	}
	payload, err := model.EncodeMeasurement(r.Measurement)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err = s.exec(ctx,
		`INSERT INTO readings (id, patient_id, metric_type, measured_at, recorded_by, primary_value, value_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.PatientID, string(r.MetricType()), toMillis(r.MeasuredAt), r.RecordedBy,
		r.Measurement.Primary(), payload)
	return err
}

func (s *sqlStore) ReadingsInRange(ctx context.Context, patientID string, mt model.MetricType, from, to time.Time) ([]model.Reading, error) {
	rows, err := s.query(ctx,
		`SELECT id, patient_id, metric_type, measured_at, recorded_by, value_json FROM readings
		WHERE patient_id = ? AND metric_type = ? AND measured_at >= ? AND measured_at <= ?
		ORDER BY measured_at ASC, id ASC`,
		patientID, string(mt), toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reading, 0)
	for rows.Next() {
		var (
			r        model.Reading
			metric   string
			measured int64
			payload  string
		)
		if err := rows.Scan(&r.ID, &r.PatientID, &metric, &measured, &r.RecordedBy, &payload); err != nil {
			return nil, err
		}
		m, err := model.DecodeMeasurement(model.MetricType(metric), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode reading %s: %w", r.ID, err)
		}
		r.MeasuredAt = fromMillis(measured)
		r.Measurement = m
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveReminder(ctx context.Context, r model.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var confirmed sql.NullInt64
	if r.ConfirmTime != nil {
		confirmed = sql.NullInt64{Int64: toMillis(*r.ConfirmTime), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO reminders (id, plan_id, patient_id, medication_name, scheduled_at, status, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, confirmed_at = excluded.confirmed_at`,
		r.ID, r.PlanID, r.PatientID, r.MedicationName, toMillis(r.ScheduledTime), string(r.Status), confirmed)
	return err
}

func (s *sqlStore) RemindersInRange(ctx context.Context, patientID string, from, to time.Time) ([]model.Reminder, error) {
	rows, err := s.query(ctx,
		`SELECT id, plan_id, patient_id, medication_name, scheduled_at, status, confirmed_at FROM reminders
		WHERE patient_id = ? AND scheduled_at >= ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`,
		patientID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reminder, 0)
	for rows.Next() {
		var (
			r         model.Reminder
			scheduled int64
			status    string
			confirmed sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.PlanID, &r.PatientID, &r.MedicationName, &scheduled, &status, &confirmed); err != nil {
			return nil, err
		}
		r.ScheduledTime = fromMillis(scheduled)
		r.Status = model.ReminderStatus(status)
		if confirmed.Valid {
			t := fromMillis(confirmed.Int64)
			r.ConfirmTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveRule(ctx context.Context, rule model.ThresholdRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	var ageMin, ageMax sql.NullInt64
	if rule.AgeRange != nil {
		ageMin = sql.NullInt64{Int64: int64(rule.AgeRange.Min), Valid: true}
		ageMax = sql.NullInt64{Int64: int64(rule.AgeRange.Max), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO threshold_rules (id, metric_type, min_value, max_value, critical_low, critical_high,
			gender, age_min, age_max, disease_type, active, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET min_value = excluded.min_value, max_value = excluded.max_value,
			critical_low = excluded.critical_low, critical_high = excluded.critical_high,
			gender = excluded.gender, age_min = excluded.age_min, age_max = excluded.age_max,
			disease_type = excluded.disease_type, active = excluded.active`,
		rule.ID, string(rule.MetricType), rule.MinValue, rule.MaxValue,
		nullFloat(rule.CriticalLow), nullFloat(rule.CriticalHigh),
		rule.Gender, ageMin, ageMax, rule.DiseaseType, boolToInt(rule.Active), rule.Owner,
		toMillis(rule.CreatedAt))
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func (s *sqlStore) ActiveRules(ctx context.Context, mt model.MetricType) ([]model.ThresholdRule, error) {
	rows, err := s.query(ctx,
		`SELECT id, metric_type, min_value, max_value, critical_low, critical_high,
			gender, age_min, age_max, disease_type, active, owner, created_at
		FROM threshold_rules WHERE metric_type = ? AND active = 1
		ORDER BY created_at DESC, id DESC`, string(mt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ThresholdRule, 0)
	for rows.Next() {
		var (
			r               model.ThresholdRule
			metric          string
			critLow, critHi sql.NullFloat64
			ageMin, ageMax  sql.NullInt64
			active          int
			created         int64
		)
		if err := rows.Scan(&r.ID, &metric, &r.MinValue, &r.MaxValue, &critLow, &critHi,
			&r.Gender, &ageMin, &ageMax, &r.DiseaseType, &active, &r.Owner, &created); err != nil {
			return nil, err
		}
		r.MetricType = model.MetricType(metric)
		if critLow.Valid {
			v := critLow.Float64
			r.CriticalLow = &v
		}
		if critHi.Valid {
			v := critHi.Float64
			r.CriticalHigh = &v
		}
		if ageMin.Valid && ageMax.Valid {
			r.AgeRange = &model.AgeRange{Min: int(ageMin.Int64), Max: int(ageMax.Int64)}
		}
		r.Active = active == 1
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateAlert(ctx context.Context, a model.Alert) error {
	if a.ID == "" {
		return apperr.Validation("alert id is required", nil)
	}
	if a.Status == "" {
		a.Status = model.AlertPending
	}
	_, err := s.exec(ctx,
		`INSERT INTO alerts (id, patient_id, doctor_id, alert_type, priority, title, message, fingerprint,
			status, related_reading_id, created_at, handled_by, context_json, dedup_slot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PatientID, a.DoctorID, string(a.Type), string(a.Priority), a.Title, a.Message, a.Fingerprint,
		string(a.Status), a.RelatedReadingID, toMillis(a.CreatedAt), a.HandledBy, encodeJSON(a.Context), a.DedupSlot)
	if err != nil && s.d.isUnique != nil && s.d.isUnique(err) {
		return apperr.Conflict(fmt.Sprintf("pending %s alert already exists for patient %s", a.Type, a.PatientID))
	}
	return err
}

const alertColumns = `id, patient_id, doctor_id, alert_type, priority, title, message, fingerprint,
	status, related_reading_id, created_at, handled_at, handled_by, context_json, dedup_slot`

func scanAlert(sc interface{ Scan(...any) error }) (model.Alert, error) {
	var (
		a                           model.Alert
		alertType, priority, status string
		created                     int64
		handled                     sql.NullInt64
		contextJSON                 sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.PatientID, &a.DoctorID, &alertType, &priority, &a.Title, &a.Message,
		&a.Fingerprint, &status, &a.RelatedReadingID, &created, &handled, &a.HandledBy, &contextJSON,
		&a.DedupSlot); err != nil {
		return model.Alert{}, err
	}
	a.Type = model.AlertType(alertType)
	a.Priority = model.Priority(priority)
	a.Status = model.AlertStatus(status)
	a.CreatedAt = fromMillis(created)
	if handled.Valid {
		t := fromMillis(handled.Int64)
		a.HandledAt = &t
	}
	if contextJSON.Valid {
		decodeJSON(contextJSON.String, &a.Context)
	}
	return a, nil
}

func (s *sqlStore) scanAlerts(rows *sql.Rows) ([]model.Alert, error) {
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindPendingAlerts(ctx context.Context, patientID, doctorID string, alertType model.AlertType, since time.Time) ([]model.Alert, error) {
	rows, err := s.query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE patient_id = ? AND doctor_id = ? AND alert_type = ? AND status = 'pending' AND created_at >= ?
		ORDER BY created_at DESC`,
		patientID, doctorID, string(alertType), toMillis(since))
	if err != nil {
		return nil, err
	}
	return s.scanAlerts(rows)
}

// LatestAlert returns the newest alert with the fingerprint in any status.
func (s *sqlStore) LatestAlert(ctx context.Context, patientID, doctorID string, alertType model.AlertType, fingerprint string) (model.Alert, bool, error) {
	a, err := scanAlert(s.queryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE patient_id = ? AND doctor_id = ? AND alert_type = ? AND fingerprint = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		patientID, doctorID, string(alertType), fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, false, nil
	}
	if err != nil {
		return model.Alert{}, false, err
	}
	return a, true, nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, f.DoctorID)
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "alert_type = ?")
		args = append(args, string(f.Type))
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.scanAlerts(rows)
}

func (s *sqlStore) alert(ctx context.Context, alertID string) (model.Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, apperr.NotFound("alert", alertID)
	}
	return a, err
}

// TransitionAlert moves a pending alert to handled or dismissed. Alerts that
// already left the pending state are reported as conflicts.
func (s *sqlStore) TransitionAlert(ctx context.Context, alertID string, status model.AlertStatus, by string, at time.Time) (model.Alert, error) {
	if status != model.AlertHandled && status != model.AlertDismissed {
		return model.Alert{}, apperr.Validation("invalid alert status", map[string]string{"status": string(status)})
	}
	res, err := s.exec(ctx,
		`UPDATE alerts SET status = ?, handled_at = ?, handled_by = ? WHERE id = ? AND status = 'pending'`,
		string(status), toMillis(at), by, alertID)
	if err != nil {
		return model.Alert{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Alert{}, err
	}
	a, err := s.alert(ctx, alertID)
	if err != nil {
		return model.Alert{}, err
	}
	if n == 0 {
		return a, apperr.Conflict(fmt.Sprintf("alert %s is already %s", alertID, a.Status))
	}
	return a, nil
}
