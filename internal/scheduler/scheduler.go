package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/model"
)

type Runner interface {
	AnalyzeAll(ctx context.Context) ([]model.Summary, error)
}

// Scheduler triggers a batch pass over every doctor on a fixed interval. The
// interval is re-read from config after each pass.
type Scheduler struct {
	cfg    *config.Manager
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

func New(cfg *config.Manager, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{cfg: cfg, runner: runner, logger: logger}
}

func (s *Scheduler) Start(ctx context.Context) {
	current := s.cfg.Get().Scheduler
	if !current.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}
	s.logger.Info("scheduler enabled", "interval", current.Interval.String())
	go s.run(ctx, current.Interval)
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 72 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() != nil {
				return
			}
			if next := s.cfg.Get().Scheduler.Interval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("scheduler interval changed", "interval", interval.String())
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one pass over all doctors and returns the number of
// alerts generated.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	summaries, err := s.runner.AnalyzeAll(ctx)
	generated, suppressed, skipped := 0, 0, 0
	for _, summary := range summaries {
		generated += len(summary.Generated)
		suppressed += summary.Suppressed
		skipped += len(summary.Skipped)
	}
	s.mu.Lock()
	s.lastRun = start
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduled analysis failed", "doctors", len(summaries), "err", err)
		return generated, err
	}
	s.logger.Info("scheduled analysis finished",
		"doctors", len(summaries),
		"generated", generated,
		"suppressed", suppressed,
		"skipped", skipped,
		"duration", time.Since(start).String(),
	)
	return generated, nil
}

func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
