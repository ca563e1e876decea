package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"

	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
)

// Sink hands normalized readings from one source to the engine queue. It
// never blocks: when the queue is full the reading is dropped and counted.
type Sink struct {
	source  string
	out     chan<- model.Reading
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewSink(source string, out chan<- model.Reading, logger *slog.Logger) *Sink {
	return &Sink{source: source, out: out, logger: logger}
}

// Deliver reports whether the reading was queued.
func (s *Sink) Deliver(ctx context.Context, r model.Reading) bool {
	select {
	case s.out <- r:
		metrics.RecordReadingIngested(s.source, r.MetricType())
		return true
	case <-ctx.Done():
		return false
	default:
	}

	s.dropped.Add(1)
	metrics.RecordReadingDropped(s.source)
	if s.logger != nil {
		s.logger.Warn("engine queue full, dropping reading",
			"source", s.source,
			"patient_id", r.PatientID,
			"metric_type", r.MetricType(),
			"queue_cap", cap(s.out),
		)
	}
	return false
}

// Dropped is the number of readings lost to a full queue so far.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}
