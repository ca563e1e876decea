package alerts

import (
	"sync"
	"time"

	"vitalwatch/internal/model"
)

// Store is a bounded feed of recently emitted alerts, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns the newest limit alerts; limit <= 0 returns all of them.
func (s *Store) List(limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.buf, limit)
}

func (s *Store) Since(ts time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ForDoctor(doctorID string, limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Alert, 0)
	for _, a := range s.buf {
		if a.DoctorID == doctorID {
			matched = append(matched, a)
		}
	}
	return tail(matched, limit)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

func tail(list []model.Alert, limit int) []model.Alert {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]model.Alert, limit)
	copy(out, list[len(list)-limit:])
	return out
}
