package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/config"
	"vitalwatch/internal/lock"
	"vitalwatch/internal/model"
	"vitalwatch/internal/thresholds"
)

type memStore struct {
	mu          sync.Mutex
	doctors     map[string][]string
	patients    map[string]model.Patient
	readings    []model.Reading
	reminders   []model.Reminder
	alerts      []model.Alert
	failReading map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		doctors:     make(map[string][]string),
		patients:    make(map[string]model.Patient),
		failReading: make(map[string]error),
	}
}

func (s *memStore) assign(doctorID string, p model.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[doctorID] = append(s.doctors[doctorID], p.ID)
	s.patients[p.ID] = p
}

func (s *memStore) SaveReading(_ context.Context, r model.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *memStore) ReadingsInRange(_ context.Context, patientID string, mt model.MetricType, from, to time.Time) ([]model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failReading[patientID]; err != nil {
		return nil, err
	}
	var out []model.Reading
	for _, r := range s.readings {
		if r.PatientID == patientID && r.MetricType() == mt && !r.MeasuredAt.Before(from) && !r.MeasuredAt.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })
	return out, nil
}

func (s *memStore) RemindersInRange(_ context.Context, patientID string, from, to time.Time) ([]model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reminder
	for _, r := range s.reminders {
		if r.PatientID == patientID && !r.ScheduledTime.Before(from) && !r.ScheduledTime.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) DoctorExists(_ context.Context, doctorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doctors[doctorID]
	return ok, nil
}

func (s *memStore) ListDoctors(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.doctors))
	for id := range s.doctors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ActivePatients(_ context.Context, doctorID string) ([]model.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Patient
	for _, id := range s.doctors[doctorID] {
		out = append(out, s.patients[id])
	}
	return out, nil
}

func (s *memStore) DoctorsForPatient(_ context.Context, patientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for doctor, patients := range s.doctors {
		for _, p := range patients {
			if p == patientID {
				out = append(out, doctor)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Patient(_ context.Context, patientID string) (model.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientID]
	if !ok {
		return model.Patient{}, apperr.NotFound("patient", patientID)
	}
	return p, nil
}

func (s *memStore) CreateAlert(_ context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.Status == model.AlertPending && existing.PatientID == a.PatientID &&
			existing.DoctorID == a.DoctorID && existing.Type == a.Type &&
			existing.Fingerprint == a.Fingerprint && existing.DedupSlot == a.DedupSlot {
			return apperr.Conflict("duplicate pending alert")
		}
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *memStore) FindPendingAlerts(_ context.Context, patientID, doctorID string, t model.AlertType, since time.Time) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Alert
	for _, a := range s.alerts {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Type == t &&
			a.Status == model.AlertPending && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) LatestAlert(_ context.Context, patientID, doctorID string, t model.AlertType, fingerprint string) (model.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest model.Alert
		found  bool
	)
	for _, a := range s.alerts {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Type == t && a.Fingerprint == fingerprint &&
			(!found || a.CreatedAt.After(latest.CreatedAt)) {
			latest, found = a, true
		}
	}
	return latest, found, nil
}

func (s *memStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// blindStore hides existing alerts from the dedup queries so the storage
// uniqueness check is the only guard left.
type blindStore struct {
	*memStore
}

func (blindStore) FindPendingAlerts(context.Context, string, string, model.AlertType, time.Time) ([]model.Alert, error) {
	return nil, nil
}

func (blindStore) LatestAlert(context.Context, string, string, model.AlertType, string) (model.Alert, bool, error) {
	return model.Alert{}, false, nil
}

var passTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestEngine(store Store) *Engine {
	cfg := config.DefaultConfig()
	e := NewEngine(cfg, nil, Deps{Store: store, Rules: thresholds.NewRepository(nil)})
	e.SetClock(func() time.Time { return passTime })
	return e
}

func bp(patientID string, at time.Time, sys, dia float64) model.Reading {
	return model.Reading{
		ID:          patientID + at.Format("0102150405"),
		PatientID:   patientID,
		MeasuredAt:  at,
		Measurement: model.BloodPressure{Systolic: sys, Diastolic: dia},
	}
}

func TestScenarioHighTrend(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-72*time.Hour), 150, 95),
		bp("pat-1", passTime.Add(-48*time.Hour), 145, 92),
		bp("pat-1", passTime.Add(-24*time.Hour), 148, 93),
	}

	summary, err := newTestEngine(store).AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, summary.Generated, 1)
	a := summary.Generated[0]
	assert.Equal(t, model.AlertAbnormalTrend, a.Type)
	assert.Equal(t, model.PriorityHigh, a.Priority)
	assert.Equal(t, "doc-1", a.DoctorID)
	assert.Equal(t, Fingerprint(model.AlertAbnormalTrend, "blood_pressure:high"), a.Fingerprint)
	assert.Equal(t, 1, summary.PatientsAnalyzed)
	assert.Empty(t, summary.Skipped)
}

func TestScenarioSingleCriticalReading(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{bp("pat-1", passTime.Add(-2*time.Hour), 190, 100)}

	summary, err := newTestEngine(store).AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, summary.Generated, 1)
	a := summary.Generated[0]
	assert.Equal(t, model.AlertThresholdExceeded, a.Type)
	assert.Equal(t, model.PriorityCritical, a.Priority)
	assert.Equal(t, store.readings[0].ID, a.RelatedReadingID)
}

func TestScenarioMissedMedication(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	statuses := []model.ReminderStatus{taken, taken, missed, missed, missed, missed}
	for i, s := range statuses {
		store.reminders = append(store.reminders, model.Reminder{
			ID:             string(rune('a' + i)),
			PlanID:         "plan-1",
			PatientID:      "pat-1",
			MedicationName: "Amlodipine",
			ScheduledTime:  passTime.Add(-time.Duration(len(statuses)-i) * 8 * time.Hour),
			Status:         s,
		})
	}

	summary, err := newTestEngine(store).AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, summary.Generated, 1)
	a := summary.Generated[0]
	assert.Equal(t, model.AlertMissedMedication, a.Type)
	assert.Equal(t, "4", a.Context["consecutive_missed"])
	// 2 of 6 taken crosses the critical cut-off
	assert.Equal(t, model.PriorityCritical, a.Priority)
}

func TestRerunWithoutNewDataGeneratesNothing(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-72*time.Hour), 150, 95),
		bp("pat-1", passTime.Add(-48*time.Hour), 145, 92),
		bp("pat-1", passTime.Add(-24*time.Hour), 190, 93),
	}
	e := newTestEngine(store)

	first, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, first.Generated, 2)

	second, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, second.Generated)
	assert.Equal(t, 2, second.Suppressed)
	assert.Equal(t, 2, store.alertCount())
}

func TestRerunAfterCooldownKeepsOldEvidenceQuiet(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-72*time.Hour), 150, 95),
		bp("pat-1", passTime.Add(-48*time.Hour), 145, 92),
		bp("pat-1", passTime.Add(-24*time.Hour), 190, 93),
	}
	e := newTestEngine(store)

	first, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, first.Generated, 2)

	later := passTime.Add(7 * time.Hour)
	e.SetClock(func() time.Time { return later })
	second, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, second.Generated)
	assert.Equal(t, 2, second.Suppressed)
	assert.Equal(t, 2, store.alertCount())

	// fresh evidence after the first alerts is reported again
	require.NoError(t, store.SaveReading(context.Background(), bp("pat-1", later.Add(-time.Hour), 185, 95)))
	third, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, third.Generated, 2)
	types := []model.AlertType{third.Generated[0].Type, third.Generated[1].Type}
	assert.ElementsMatch(t, []model.AlertType{model.AlertThresholdExceeded, model.AlertAbnormalTrend}, types)
	assert.Equal(t, later.Add(-time.Hour).Format(time.RFC3339), third.Generated[0].Context["measured_at"])
}

func TestLaterStreakIsNotHiddenByReportedOne(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-6*24*time.Hour), 150, 95),
		bp("pat-1", passTime.Add(-5*24*time.Hour), 145, 92),
		bp("pat-1", passTime.Add(-4*24*time.Hour), 148, 93),
	}
	e := newTestEngine(store)
	e.SetClock(func() time.Time { return passTime.Add(-4*24*time.Hour + time.Hour) })
	first, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, first.Generated, 1)

	store.readings = append(store.readings,
		bp("pat-1", passTime.Add(-3*24*time.Hour), 120, 80),
		bp("pat-1", passTime.Add(-3*time.Hour), 152, 96),
		bp("pat-1", passTime.Add(-2*time.Hour), 149, 94),
		bp("pat-1", passTime.Add(-1*time.Hour), 151, 95),
	)
	e.SetClock(func() time.Time { return passTime })
	second, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, second.Generated, 1)
	a := second.Generated[0]
	assert.Equal(t, model.AlertAbnormalTrend, a.Type)
	assert.Equal(t, passTime.Add(-3*time.Hour).Format(time.RFC3339), a.Context["window_start"])
}

func TestStoreConflictCountsAsSuppressed(t *testing.T) {
	mem := newMemStore()
	mem.assign("doc-1", model.Patient{ID: "pat-1"})
	mem.readings = []model.Reading{bp("pat-1", passTime.Add(-time.Hour), 185, 90)}
	e := newTestEngine(blindStore{mem})

	_, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	summary, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, summary.Generated)
	assert.Empty(t, summary.Skipped)
	assert.Equal(t, 1, summary.Suppressed)
}

func TestPatientFailureIsIsolated(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-bad"})
	store.assign("doc-1", model.Patient{ID: "pat-ok"})
	store.failReading["pat-bad"] = errors.New("read timeout")
	store.readings = []model.Reading{bp("pat-ok", passTime.Add(-time.Hour), 200, 100)}

	summary, err := newTestEngine(store).AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "pat-bad", summary.Skipped[0].PatientID)
	assert.Contains(t, summary.Skipped[0].Reason, "read timeout")
	assert.Equal(t, 1, summary.PatientsAnalyzed)
	require.Len(t, summary.Generated, 1)
	assert.Equal(t, "pat-ok", summary.Generated[0].PatientID)
}

func TestUnknownDoctor(t *testing.T) {
	_, err := newTestEngine(newMemStore()).AnalyzeAndGenerateAlerts(context.Background(), "nobody")
	assert.True(t, apperr.IsNotFound(err))

	_, err = newTestEngine(newMemStore()).AnalyzeAndGenerateAlerts(context.Background(), " ")
	assert.True(t, apperr.IsValidation(err))
}

func TestCancelledContextEscapes(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine(store).AnalyzeAndGenerateAlerts(ctx, "doc-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealtimeCheckAlertsEveryDoctor(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.assign("doc-2", model.Patient{ID: "pat-1"})
	e := newTestEngine(store)

	alerts, err := e.Ingest(context.Background(), model.Reading{
		PatientID:   "pat-1",
		MeasuredAt:  passTime,
		Measurement: model.BloodGlucose{MmolL: 2.1},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "doc-1", alerts[0].DoctorID)
	assert.Equal(t, "doc-2", alerts[1].DoctorID)
	assert.Equal(t, "low", alerts[0].Context["direction"])
	assert.Len(t, e.Alerts().List(0), 2)

	// the same critical metric again within the cool-down is suppressed
	again, err := e.Ingest(context.Background(), model.Reading{
		PatientID:   "pat-1",
		MeasuredAt:  passTime,
		Measurement: model.BloodGlucose{MmolL: 2.0},
	})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRealtimeCheckIgnoresNonCritical(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	alerts, err := newTestEngine(store).Ingest(context.Background(), bp("pat-1", passTime, 150, 95))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Len(t, store.readings, 1)
}

func TestIngestRejectsInvalidReading(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	_, err := e.Ingest(context.Background(), model.Reading{PatientID: "pat-1", Measurement: model.HeartRate{}})
	assert.True(t, apperr.IsValidation(err))
	_, err = e.Ingest(context.Background(), model.Reading{Measurement: model.HeartRate{BPM: 70}})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, store.readings)
}

func TestAnalyzeAllCoversEveryDoctor(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.assign("doc-2", model.Patient{ID: "pat-2"})
	store.assign("doc-3", model.Patient{ID: "pat-3"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-time.Hour), 182, 90),
		bp("pat-3", passTime.Add(-time.Hour), 95, 112),
	}
	e := newTestEngine(store)

	summaries, err := e.AnalyzeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	generated := 0
	for _, s := range summaries {
		generated += len(s.Generated)
	}
	assert.Equal(t, 2, generated)
	assert.Len(t, e.Runs().GetAll(), 3)
}

func TestUpdateConfigChangesStreakLength(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{
		bp("pat-1", passTime.Add(-48*time.Hour), 150, 95),
		bp("pat-1", passTime.Add(-24*time.Hour), 145, 92),
	}
	e := newTestEngine(store)
	cfg := config.DefaultConfig()
	cfg.Analysis.StreakLength = 2
	e.UpdateConfig(cfg)

	summary, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, summary.Generated, 1)
	assert.Equal(t, model.AlertAbnormalTrend, summary.Generated[0].Type)
}

// stalledNotifier blocks every delivery until its context ends. While it
// waits it checks whether the doctor lock is free.
type stalledNotifier struct {
	locker lock.Locker

	mu         sync.Mutex
	calls      int
	lockFree   []bool
	deadlineOK []bool
}

func (n *stalledNotifier) Notify(ctx context.Context, a model.Alert) error {
	_, hasDeadline := ctx.Deadline()
	lctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	release, err := n.locker.Acquire(lctx, a.DoctorID)
	cancel()
	if err == nil {
		release()
	}
	n.mu.Lock()
	n.calls++
	n.lockFree = append(n.lockFree, err == nil)
	n.deadlineOK = append(n.deadlineOK, hasDeadline)
	n.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

func (n *stalledNotifier) Close() error { return nil }

func newStalledEngine(store Store) (*Engine, *stalledNotifier) {
	cfg := config.DefaultConfig()
	cfg.Notify.Timeout = 40 * time.Millisecond
	locker := lock.NewLocal()
	n := &stalledNotifier{locker: locker}
	e := NewEngine(cfg, nil, Deps{Store: store, Rules: thresholds.NewRepository(nil), Locker: locker, Notifier: n})
	e.SetClock(func() time.Time { return passTime })
	return e, n
}

func TestRealtimeCheckWithStalledNotifier(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.assign("doc-2", model.Patient{ID: "pat-1"})
	e, n := newStalledEngine(store)

	start := time.Now()
	alerts, err := e.Ingest(context.Background(), bp("pat-1", passTime, 195, 100))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 2, n.calls)
	assert.Equal(t, []bool{true, true}, n.lockFree)
	assert.Equal(t, []bool{true, true}, n.deadlineOK)
	assert.Equal(t, 2, store.alertCount())
}

func TestBatchPassNotifiesAfterUnlock(t *testing.T) {
	store := newMemStore()
	store.assign("doc-1", model.Patient{ID: "pat-1"})
	store.readings = []model.Reading{bp("pat-1", passTime.Add(-time.Hour), 185, 90)}
	e, n := newStalledEngine(store)

	start := time.Now()
	summary, err := e.AnalyzeAndGenerateAlerts(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, summary.Generated, 1)
	assert.Equal(t, []bool{true}, n.lockFree)
	assert.Len(t, e.Runs().GetAll(), 1)
}
