package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/model"
)

func TestStoreKeepsLatestPerDoctor(t *testing.T) {
	s := NewStore(10)
	s.Update(model.Summary{DoctorID: "d2", PatientsAnalyzed: 1})
	s.Update(model.Summary{DoctorID: "d1", PatientsAnalyzed: 3})
	s.Update(model.Summary{DoctorID: "d1", PatientsAnalyzed: 4})
	s.Update(model.Summary{})

	got, updated, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, 4, got.PatientsAnalyzed)
	assert.False(t, updated.IsZero())

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].DoctorID)

	s.Clear()
	_, _, ok = s.Get("d1")
	assert.False(t, ok)
}

func TestStoreEvictsOldestDoctor(t *testing.T) {
	s := NewStore(1)
	s.Update(model.Summary{DoctorID: "d1"})
	time.Sleep(time.Millisecond)
	s.Update(model.Summary{DoctorID: "d2"})

	_, _, ok := s.Get("d1")
	assert.False(t, ok)
	_, _, ok = s.Get("d2")
	assert.True(t, ok)
}

func TestRecordAlertGeneratedIsExported(t *testing.T) {
	RecordAlertGenerated(model.AlertAbnormalTrend, model.PriorityHigh)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "vitalwatch_alerts_generated_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetCounter().GetValue() >= 1 {
				found = true
			}
		}
	}
	assert.True(t, found)
}
