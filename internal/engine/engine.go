package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/apperr"
	"vitalwatch/internal/config"
	"vitalwatch/internal/lock"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/notify"
)

// Store is the persistence the engine reads from and writes alerts to.
type Store interface {
	SaveReading(ctx context.Context, reading model.Reading) error
	ReadingsInRange(ctx context.Context, patientID string, mt model.MetricType, from, to time.Time) ([]model.Reading, error)
	RemindersInRange(ctx context.Context, patientID string, from, to time.Time) ([]model.Reminder, error)
	DoctorExists(ctx context.Context, doctorID string) (bool, error)
	ListDoctors(ctx context.Context) ([]string, error)
	ActivePatients(ctx context.Context, doctorID string) ([]model.Patient, error)
	DoctorsForPatient(ctx context.Context, patientID string) ([]string, error)
	Patient(ctx context.Context, patientID string) (model.Patient, error)
	CreateAlert(ctx context.Context, alert model.Alert) error
	PendingAlertFinder
	AlertHistory
}

type Deps struct {
	Store    Store
	Rules    RuleResolver
	Locker   lock.Locker
	Notifier notify.Notifier
	Alerts   *alerts.Store
	Runs     *metrics.Store
}

type Engine struct {
	logger     *slog.Logger
	store      Store
	classifier *Classifier
	locker     lock.Locker
	notifier   notify.Notifier
	alerts     *alerts.Store
	runs       *metrics.Store
	cfg        atomic.Value
	now        func() time.Time
	started    time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, deps Deps) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		logger:     logger,
		store:      deps.Store,
		classifier: NewClassifier(deps.Rules),
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		alerts:     deps.Alerts,
		runs:       deps.Runs,
		now:        func() time.Time { return time.Now().UTC() },
		started:    time.Now().UTC(),
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.alerts == nil {
		e.alerts = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	if e.runs == nil {
		e.runs = metrics.NewStore(cfg.Runs.StoreLimit)
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) StartedAt() time.Time {
	return e.started
}

func (e *Engine) Alerts() *alerts.Store {
	return e.alerts
}

func (e *Engine) Runs() *metrics.Store {
	return e.runs
}

// Start drains ingested readings until ctx is done.
func (e *Engine) Start(ctx context.Context, in <-chan model.Reading) {
	go func() {
		for {
			select {
			case r := <-in:
				if _, err := e.Ingest(ctx, r); err != nil && ctx.Err() == nil {
					e.logger.Warn("reading ingest failed",
						"patient_id", r.PatientID,
						"reading_id", r.ID,
						"err", err,
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ingest persists a reading and runs the real-time critical check on it.
func (e *Engine) Ingest(ctx context.Context, r model.Reading) ([]model.Alert, error) {
	if strings.TrimSpace(r.PatientID) == "" {
		return nil, apperr.Validation("patient_id is required", map[string]string{"patient_id": "required"})
	}
	if r.Measurement == nil {
		return nil, apperr.Validation("measurement is required", nil)
	}
	if err := r.Measurement.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.MeasuredAt.IsZero() {
		r.MeasuredAt = e.now()
	}
	if err := e.store.SaveReading(ctx, r); err != nil {
		return nil, fmt.Errorf("save reading: %w", err)
	}
	return e.RealtimeCheck(ctx, r)
}

// RealtimeCheck classifies a single new reading and, when it is critical,
// raises a threshold alert for every doctor currently assigned to the
// patient. Trend and adherence analysis are left to the batch pass.
func (e *Engine) RealtimeCheck(ctx context.Context, r model.Reading) ([]model.Alert, error) {
	start := e.now()
	cfg := e.config()
	if r.Measurement == nil {
		return nil, apperr.Validation("measurement is required", nil)
	}
	patient, err := e.store.Patient(ctx, r.PatientID)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("load patient %s: %w", r.PatientID, err)
	}
	c, err := e.classifier.Classify(ctx, r.Measurement, patient.Demographics)
	if err != nil {
		return nil, err
	}
	if c.Level != model.LevelCritical {
		return nil, nil
	}
	doctors, err := e.store.DoctorsForPatient(ctx, r.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load doctors for patient %s: %w", r.PatientID, err)
	}

	cand := thresholdCandidate(model.ClassifiedReading{Reading: r, Classification: c})
	out := make([]model.Alert, 0, len(doctors))
	var errs []error
	for _, doctorID := range doctors {
		alert, ok, err := e.emitLocked(ctx, cfg, doctorID, r.PatientID, cand)
		if err != nil {
			if ctx.Err() != nil {
				e.notifyAll(ctx, cfg, out)
				return out, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("doctor %s: %w", doctorID, err))
			continue
		}
		if ok {
			out = append(out, alert)
		}
	}
	e.notifyAll(ctx, cfg, out)
	metrics.RecordPass("realtime", e.now().Sub(start))
	return out, errors.Join(errs...)
}

func (e *Engine) emitLocked(ctx context.Context, cfg *config.Config, doctorID, patientID string, cand candidate) (model.Alert, bool, error) {
	release, err := e.locker.Acquire(ctx, doctorID)
	if err != nil {
		return model.Alert{}, false, fmt.Errorf("lock doctor %s: %w", doctorID, err)
	}
	defer release()
	return e.emit(ctx, cfg, doctorID, patientID, cand, e.now())
}

// AnalyzeAndGenerateAlerts runs one batch pass over a doctor's active
// patients. Failures for one patient are recorded in the summary and do not
// stop the pass; only an unknown doctor, a lock failure or a cancelled
// context are returned as errors.
func (e *Engine) AnalyzeAndGenerateAlerts(ctx context.Context, doctorID string) (model.Summary, error) {
	cfg := e.config()
	start := e.now()
	if strings.TrimSpace(doctorID) == "" {
		return model.Summary{}, apperr.Validation("doctor_id is required", map[string]string{"doctor_id": "required"})
	}
	exists, err := e.store.DoctorExists(ctx, doctorID)
	if err != nil {
		return model.Summary{}, fmt.Errorf("check doctor %s: %w", doctorID, err)
	}
	if !exists {
		return model.Summary{}, apperr.NotFound("doctor", doctorID)
	}

	release, err := e.locker.Acquire(ctx, doctorID)
	if err != nil {
		return model.Summary{}, fmt.Errorf("lock doctor %s: %w", doctorID, err)
	}
	summary, err := e.runPass(ctx, cfg, doctorID, start)
	release()
	// Alerts are delivered only after the lock is released.
	e.notifyAll(ctx, cfg, summary.Generated)
	if err != nil {
		return summary, err
	}

	e.runs.Update(summary)
	metrics.RecordPass("batch", summary.FinishedAt.Sub(summary.StartedAt))
	e.logger.Info("analysis pass finished",
		"doctor_id", doctorID,
		"patients", summary.PatientsAnalyzed+len(summary.Skipped),
		"analyzed", summary.PatientsAnalyzed,
		"generated", len(summary.Generated),
		"suppressed", summary.Suppressed,
		"skipped", len(summary.Skipped),
	)
	return summary, nil
}

// runPass does the work of a batch pass while the doctor lock is held.
func (e *Engine) runPass(ctx context.Context, cfg *config.Config, doctorID string, start time.Time) (model.Summary, error) {
	patients, err := e.store.ActivePatients(ctx, doctorID)
	if err != nil {
		return model.Summary{}, fmt.Errorf("list patients for doctor %s: %w", doctorID, err)
	}

	summary := model.Summary{
		DoctorID:  doctorID,
		StartedAt: start,
		Generated: make([]model.Alert, 0),
		Skipped:   make([]model.SkippedPatient, 0),
	}
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = e.now()
			return summary, err
		}
		generated, suppressed, err := e.processPatient(ctx, cfg, doctorID, p)
		summary.Generated = append(summary.Generated, generated...)
		summary.Suppressed += suppressed
		if err != nil {
			if ctx.Err() != nil {
				summary.FinishedAt = e.now()
				return summary, ctx.Err()
			}
			summary.Skipped = append(summary.Skipped, model.SkippedPatient{PatientID: p.ID, Reason: err.Error()})
			metrics.RecordPatientSkipped()
			e.logger.Warn("patient skipped",
				"doctor_id", doctorID,
				"patient_id", p.ID,
				"err", err,
			)
			continue
		}
		summary.PatientsAnalyzed++
	}
	summary.FinishedAt = e.now()
	return summary, nil
}

func (e *Engine) processPatient(ctx context.Context, cfg *config.Config, doctorID string, p model.Patient) ([]model.Alert, int, error) {
	now := e.now()
	cands, err := e.collectCandidates(ctx, cfg.Analysis, doctorID, p, now)
	if err != nil {
		return nil, 0, err
	}
	var (
		generated  []model.Alert
		suppressed int
	)
	for _, cand := range cands {
		alert, ok, err := e.emit(ctx, cfg, doctorID, p.ID, cand, now)
		if err != nil {
			return generated, suppressed, err
		}
		if !ok {
			suppressed++
			continue
		}
		generated = append(generated, alert)
	}
	return generated, suppressed, nil
}

func (e *Engine) collectCandidates(ctx context.Context, cfg config.AnalysisConfig, doctorID string, p model.Patient, now time.Time) ([]candidate, error) {
	out := make([]candidate, 0)
	for _, mt := range model.AllMetricTypes {
		readings, err := e.store.ReadingsInRange(ctx, p.ID, mt, now.Add(-cfg.TrendWindow), now)
		if err != nil {
			return nil, fmt.Errorf("load %s readings: %w", mt, err)
		}
		window := SelectWindow(readings, now, cfg.TrendWindow)
		if len(window) == 0 {
			continue
		}
		classified := make([]model.ClassifiedReading, 0, len(window))
		for _, r := range window {
			c, err := e.classifier.Classify(ctx, r.Measurement, p.Demographics)
			if err != nil {
				return nil, fmt.Errorf("classify reading %s: %w", r.ID, err)
			}
			classified = append(classified, model.ClassifiedReading{Reading: r, Classification: c})
		}
		if latest, ok := latestCritical(classified); ok {
			out = append(out, thresholdCandidate(latest))
		}
		streak, ok, err := e.freshStreak(ctx, doctorID, p.ID, DetectStreaks(classified, cfg.StreakLength))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, trendCandidate(streak))
		}
	}

	reminders, err := e.store.RemindersInRange(ctx, p.ID, now.Add(-cfg.AdherenceWindow), now)
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	for _, f := range EvaluateAdherence(reminders, now, cfg) {
		out = append(out, adherenceCandidate(f, cfg.AdherenceWindow))
	}
	return out, nil
}

// freshStreak picks the oldest run the doctor has not been alerted about
// yet. When every run was already reported the newest one is returned so the
// pass counts it as suppressed.
func (e *Engine) freshStreak(ctx context.Context, doctorID, patientID string, streaks []StreakResult) (StreakResult, bool, error) {
	if len(streaks) == 0 {
		return StreakResult{}, false, nil
	}
	for _, s := range streaks {
		seen, err := AlreadyReported(ctx, e.store, Candidate{
			PatientID:   patientID,
			DoctorID:    doctorID,
			AlertType:   model.AlertAbnormalTrend,
			Fingerprint: Fingerprint(model.AlertAbnormalTrend, trendKey(s)),
		}, s.RunEnd)
		if err != nil {
			return StreakResult{}, false, err
		}
		if !seen {
			return s, true, nil
		}
	}
	return streaks[len(streaks)-1], true, nil
}

func latestCritical(readings []model.ClassifiedReading) (model.ClassifiedReading, bool) {
	for i := len(readings) - 1; i >= 0; i-- {
		if readings[i].Classification.Level == model.LevelCritical {
			return readings[i], true
		}
	}
	return model.ClassifiedReading{}, false
}

// emit runs a candidate through deduplication and persists it. ok is false
// when the alert was suppressed, including when the store reports that an
// identical pending alert already exists.
func (e *Engine) emit(ctx context.Context, cfg *config.Config, doctorID, patientID string, cand candidate, now time.Time) (model.Alert, bool, error) {
	policy := NewCooldownPolicy(cfg.Analysis.Cooldowns)
	fp := Fingerprint(cand.Type, cand.Key)
	key := Candidate{
		PatientID:   patientID,
		DoctorID:    doctorID,
		AlertType:   cand.Type,
		Fingerprint: fp,
	}
	seen, err := AlreadyReported(ctx, e.store, key, cand.EvidenceAt)
	if err != nil {
		return model.Alert{}, false, err
	}
	allow := !seen
	if allow {
		allow, err = NewDeduplicator(e.store, policy).ShouldEmit(ctx, key, now)
		if err != nil {
			return model.Alert{}, false, err
		}
	}
	if !allow {
		metrics.RecordAlertSuppressed(cand.Type)
		return model.Alert{}, false, nil
	}

	alert := model.Alert{
		ID:               uuid.NewString(),
		PatientID:        patientID,
		DoctorID:         doctorID,
		Type:             cand.Type,
		Priority:         cand.Priority,
		Title:            cand.Title,
		Message:          cand.Message,
		Fingerprint:      fp,
		Status:           model.AlertPending,
		RelatedReadingID: cand.RelatedReadingID,
		CreatedAt:        now,
		Context:          cand.Context,
		DedupSlot:        Slot(now, policy.For(cand.Type)),
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		if apperr.IsConflict(err) {
			metrics.RecordAlertSuppressed(cand.Type)
			return model.Alert{}, false, nil
		}
		return model.Alert{}, false, fmt.Errorf("create %s alert: %w", cand.Type, err)
	}

	e.alerts.Add(alert)
	metrics.RecordAlertGenerated(alert.Type, alert.Priority)
	e.logger.Warn("alert generated",
		"alert_id", alert.ID,
		"doctor_id", doctorID,
		"patient_id", patientID,
		"alert_type", alert.Type,
		"priority", alert.Priority,
	)
	return alert, true, nil
}

// notifyAll delivers persisted alerts, giving each one at most
// cfg.Notify.Timeout. Delivery failures are logged by the notifier and never
// undo the alert.
func (e *Engine) notifyAll(ctx context.Context, cfg *config.Config, generated []model.Alert) {
	if len(generated) == 0 {
		return
	}
	timeout := cfg.Notify.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// A cancelled pass still announces what it already stored.
	base := context.WithoutCancel(ctx)
	for _, alert := range generated {
		nctx, cancel := context.WithTimeout(base, timeout)
		err := e.notifier.Notify(nctx, alert)
		cancel()
		if err != nil {
			e.logger.Debug("alert notification incomplete", "alert_id", alert.ID, "err", err)
		}
	}
}

// AnalyzeAll runs a pass for every doctor, several doctors at a time. A
// failing doctor is logged and left out of the result.
func (e *Engine) AnalyzeAll(ctx context.Context) ([]model.Summary, error) {
	doctors, err := e.store.ListDoctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	limit := e.config().Analysis.Parallelism
	if limit <= 0 {
		limit = 1
	}

	results := make([]model.Summary, len(doctors))
	done := make([]bool, len(doctors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, doctorID := range doctors {
		g.Go(func() error {
			summary, err := e.AnalyzeAndGenerateAlerts(gctx, doctorID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Error("doctor pass failed", "doctor_id", doctorID, "err", err)
				return nil
			}
			results[i] = summary
			done[i] = true
			return nil
		})
	}
	err = g.Wait()

	out := make([]model.Summary, 0, len(doctors))
	for i, ok := range done {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, err
}
