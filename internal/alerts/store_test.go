package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vitalwatch/internal/model"
)

func alertAt(id, doctor string, ts time.Time) model.Alert {
	return model.Alert{ID: id, DoctorID: doctor, CreatedAt: ts, Status: model.AlertPending}
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(alertAt("a1", "d1", base))
	s.Add(alertAt("a2", "d2", base.Add(time.Minute)))
	s.Add(alertAt("a3", "d1", base.Add(2*time.Minute)))

	got := s.List(0)
	if assert.Len(t, got, 2) {
		assert.Equal(t, "a2", got[0].ID)
		assert.Equal(t, "a3", got[1].ID)
	}
	assert.Len(t, s.List(1), 1)
	assert.Equal(t, "a3", s.List(1)[0].ID)
}

func TestStoreFilters(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(alertAt("a1", "d1", base))
	s.Add(alertAt("a2", "d2", base.Add(time.Minute)))
	s.Add(alertAt("a3", "d1", base.Add(2*time.Minute)))

	since := s.Since(base.Add(time.Minute))
	assert.Len(t, since, 2)

	mine := s.ForDoctor("d1", 0)
	if assert.Len(t, mine, 2) {
		assert.Equal(t, "a1", mine[0].ID)
	}
	assert.Equal(t, "a3", s.ForDoctor("d1", 1)[0].ID)

	s.Clear()
	assert.Empty(t, s.List(0))
}
