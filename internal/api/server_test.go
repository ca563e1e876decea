package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/apperr"
	"vitalwatch/internal/config"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/thresholds"
)

type fakeEngine struct {
	summary model.Summary
	err     error
	updated *config.Config
}

func (f *fakeEngine) AnalyzeAndGenerateAlerts(_ context.Context, doctorID string) (model.Summary, error) {
	if f.err != nil {
		return model.Summary{}, f.err
	}
	s := f.summary
	s.DoctorID = doctorID
	return s, nil
}

func (f *fakeEngine) UpdateConfig(cfg *config.Config) { f.updated = cfg }

func (f *fakeEngine) StartedAt() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

type fakeAlerts struct {
	filter storage.AlertFilter
	list   []model.Alert
	by     string
	err    error
}

func (f *fakeAlerts) ListAlerts(_ context.Context, filter storage.AlertFilter) ([]model.Alert, error) {
	f.filter = filter
	return f.list, nil
}

func (f *fakeAlerts) TransitionAlert(_ context.Context, alertID string, status model.AlertStatus, by string, _ time.Time) (model.Alert, error) {
	if f.err != nil {
		return model.Alert{}, f.err
	}
	f.by = by
	return model.Alert{ID: alertID, Status: status, HandledBy: by}, nil
}

type fixture struct {
	engine *fakeEngine
	store  *fakeAlerts
	feed   *alerts.Store
	runs   *metrics.Store
	cfg    *config.Manager
	h      http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		engine: &fakeEngine{},
		store:  &fakeAlerts{},
		feed:   alerts.NewStore(10),
		runs:   metrics.NewStore(10),
		cfg:    config.NewStaticManager(config.DefaultConfig()),
	}
	f.h = NewServer(Deps{
		Config:  f.cfg,
		Engine:  f.engine,
		Alerts:  f.store,
		Rules:   thresholds.NewRepository(nil),
		Feed:    f.feed,
		Runs:    f.runs,
		Version: "test",
	}).Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "2026-01-01T00:00:00Z", body["started_at"])
}

func TestAnalyzeReturnsSummary(t *testing.T) {
	f := newFixture()
	f.engine.summary = model.Summary{PatientsAnalyzed: 3, Suppressed: 1}
	rec, body := f.do(t, http.MethodPost, "/doctors/doc-1/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc-1", body["doctor_id"])
	assert.EqualValues(t, 3, body["patients_analyzed"])
}

func TestAnalyzeUnknownDoctor(t *testing.T) {
	f := newFixture()
	f.engine.err = apperr.NotFound("doctor", "ghost")
	rec, body := f.do(t, http.MethodPost, "/doctors/ghost/analyze", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestAnalyzeInternalErrorIsMasked(t *testing.T) {
	f := newFixture()
	f.engine.err = context.DeadlineExceeded
	rec, body := f.do(t, http.MethodPost, "/doctors/doc-1/analyze", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
}

func TestDoctorAlertsFilter(t *testing.T) {
	f := newFixture()
	f.store.list = []model.Alert{{ID: "a1", DoctorID: "doc-1"}}
	rec, body := f.do(t, http.MethodGet, "/doctors/doc-1/alerts?status=pending&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, storage.AlertFilter{DoctorID: "doc-1", Status: model.AlertPending, Limit: 5}, f.store.filter)

	rec, _ = f.do(t, http.MethodGet, "/doctors/doc-1/alerts?status=open", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/doctors/doc-1/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionAlert(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodPost, "/alerts/a1/handle", `{"by":"dr-who"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "handled", body["status"])
	assert.Equal(t, "dr-who", f.store.by)

	rec, _ = f.do(t, http.MethodPost, "/alerts/a1/dismiss", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.store.err = apperr.Conflict("alert a1 is already handled")
	rec, _ = f.do(t, http.MethodPost, "/alerts/a1/dismiss", `{"by":"dr-who"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestThresholdResolution(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodGet, "/thresholds/heart_rate?gender=female&age=40", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "heart_rate", body["metric_type"])

	rec, _ = f.do(t, http.MethodGet, "/thresholds/spo2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/thresholds/weight?age=old", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsAndFeed(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodGet, "/runs/doc-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.runs.Update(model.Summary{DoctorID: "doc-1", PatientsAnalyzed: 2})
	f.feed.Add(model.Alert{ID: "a1", DoctorID: "doc-1", CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})
	f.feed.Add(model.Alert{ID: "a2", DoctorID: "doc-2", CreatedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)})

	rec, body := f.do(t, http.MethodGet, "/runs/doc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc-1", body["doctor_id"])

	_, body = f.do(t, http.MethodGet, "/alerts?doctor_id=doc-2", "")
	assert.EqualValues(t, 1, body["count"])
	_, body = f.do(t, http.MethodGet, "/alerts?since=2026-02-01T12:00:00Z", "")
	assert.EqualValues(t, 1, body["count"])
	rec, _ = f.do(t, http.MethodGet, "/alerts?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"alerts"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.feed.List(0))
	assert.Len(t, f.runs.GetAll(), 1)
	rec, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearRejectsMalformedBody(t *testing.T) {
	f := newFixture()
	f.runs.Update(model.Summary{DoctorID: "doc-1"})
	f.feed.Add(model.Alert{ID: "a1", DoctorID: "doc-1", CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})

	rec, body := f.do(t, http.MethodPost, "/admin/clear", `{"target":"alerts"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed body", body["error"])
	assert.Len(t, f.feed.List(0), 1)
	assert.Len(t, f.runs.GetAll(), 1)

	rec, _ = f.do(t, http.MethodPost, "/admin/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.feed.List(0))
	assert.Empty(t, f.runs.GetAll())
}

func TestUpdateAnalysisConfig(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodPut, "/config/analysis", `{"streak_length":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.engine.updated)

	rec, _ = f.do(t, http.MethodPut, "/config/analysis", `{"streak_length":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.engine.updated)
	assert.Equal(t, 4, f.engine.updated.Analysis.StreakLength)
	assert.Equal(t, 4, f.cfg.Get().Analysis.StreakLength)
	assert.Equal(t, 7*24*time.Hour, f.cfg.Get().Analysis.TrendWindow)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture()
	metrics.RecordPatientSkipped()
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vitalwatch_patients_skipped_total")
}
