package metrics

import (
	"sort"
	"sync"
	"time"

	"vitalwatch/internal/model"
)

// Store keeps the latest analysis summary per doctor.
type Store struct {
	mu        sync.RWMutex
	byDoctor  map[string]model.Summary
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byDoctor:  make(map[string]model.Summary),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(summary model.Summary) {
	if summary.DoctorID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoctor[summary.DoctorID] = summary
	s.updatedAt[summary.DoctorID] = time.Now().UTC()
	if len(s.byDoctor) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(doctorID string) (model.Summary, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.byDoctor[doctorID]
	if !ok {
		return model.Summary{}, time.Time{}, false
	}
	return summary, s.updatedAt[doctorID], true
}

// GetAll returns the stored summaries ordered by doctor ID.
func (s *Store) GetAll() []model.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Summary, 0, len(s.byDoctor))
	for _, summary := range s.byDoctor {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DoctorID < out[j].DoctorID })
	return out
}

func (s *Store) evictOldest() {
	var oldestDoctor string
	var oldest time.Time
	for doctor, ts := range s.updatedAt {
		if oldestDoctor == "" || ts.Before(oldest) {
			oldestDoctor = doctor
			oldest = ts
		}
	}
	if oldestDoctor != "" {
		delete(s.byDoctor, oldestDoctor)
		delete(s.updatedAt, oldestDoctor)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoctor = make(map[string]model.Summary)
	s.updatedAt = make(map[string]time.Time)
}
