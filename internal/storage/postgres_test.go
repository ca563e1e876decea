package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/model"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, postgresDialect()), mock
}

func TestPostgresRebind(t *testing.T) {
	s := newSQLStore(nil, postgresDialect())
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", newSQLStore(nil, sqliteDialect()).rebind("a = ?"))
}

func TestPostgresUniqueViolationMapsToConflict(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key value"})

	err := s.CreateAlert(context.Background(), pendingAlert("a1", 3, t0))
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOtherErrorsPassThrough(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts")).
		WillReturnError(&pgconn.PgError{Code: "23502", Message: "not null violation"})

	err := s.CreateAlert(context.Background(), pendingAlert("a1", 3, t0))
	require.Error(t, err)
	assert.False(t, apperr.IsConflict(err))
}

func TestPostgresFindPendingAlerts(t *testing.T) {
	s, mock := newMockPostgres(t)
	cols := []string{"id", "patient_id", "doctor_id", "alert_type", "priority", "title", "message", "fingerprint",
		"status", "related_reading_id", "created_at", "handled_at", "handled_by", "context_json", "dedup_slot"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE patient_id = $1 AND doctor_id = $2 AND alert_type = $3")).
		WithArgs("pat-1", "doc-1", "missed_medication", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "pat-1", "doc-1", "missed_medication", "high", "Missed doses", "3 missed", "fp",
			"pending", "", t0.UnixMilli(), nil, "", `{"medication":"metformin"}`, int64(20),
		))

	got, err := s.FindPendingAlerts(context.Background(), "pat-1", "doc-1", model.AlertMissedMedication, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.PriorityHigh, got[0].Priority)
	assert.Equal(t, "metformin", got[0].Context["medication"])
	assert.True(t, got[0].CreatedAt.Equal(t0))
	assert.Nil(t, got[0].HandledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestAlert(t *testing.T) {
	s, mock := newMockPostgres(t)
	cols := []string{"id", "patient_id", "doctor_id", "alert_type", "priority", "title", "message", "fingerprint",
		"status", "related_reading_id", "created_at", "handled_at", "handled_by", "context_json", "dedup_slot"}
	mock.ExpectQuery(regexp.QuoteMeta("fingerprint = $4")).
		WithArgs("pat-1", "doc-1", "abnormal_trend", "fp").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "pat-1", "doc-1", "abnormal_trend", "high", "Abnormal trend", "3 high", "fp",
			"dismissed", "r9", t0.UnixMilli(), t0.Add(time.Hour).UnixMilli(), "doc-1", nil, int64(20),
		))
	mock.ExpectQuery(regexp.QuoteMeta("fingerprint = $4")).
		WithArgs("pat-1", "doc-1", "abnormal_trend", "fp").
		WillReturnRows(sqlmock.NewRows(cols))

	got, ok, err := s.LatestAlert(context.Background(), "pat-1", "doc-1", model.AlertAbnormalTrend, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.AlertDismissed, got.Status)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, ok, err = s.LatestAlert(context.Background(), "pat-1", "doc-1", model.AlertAbnormalTrend, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDoctorExists(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM doctors WHERE id = $1")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := s.DoctorExists(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
