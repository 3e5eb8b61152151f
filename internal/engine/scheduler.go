package engine

import (
	"context"
	"log/slog"
	"time"
)

// ScheduleConfig sets the per-index computation cadence. Security events
// move fastest, vulnerability and business context hourly, external signals
// daily; cascade follows the fastest score changes.
type ScheduleConfig struct {
	SEIInterval     time.Duration
	SVIInterval     time.Duration
	ERIInterval     time.Duration
	CascadeInterval time.Duration
}

// DefaultSchedule returns the cadence from the concurrency model: SEI every
// few minutes, SVI/BCI hourly, ERI daily.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		SEIInterval:     5 * time.Minute,
		SVIInterval:     time.Hour,
		ERIInterval:     24 * time.Hour,
		CascadeInterval: 15 * time.Minute,
	}
}

// Scheduler drives the engine on independent per-index intervals. Every
// tick recomputes full snapshots; recomputation is idempotent, so the
// overlapping cadences only affect how fresh each index is.
type Scheduler struct {
	engine *Engine
	cfg    ScheduleConfig
	logger *slog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(engine *Engine, cfg ScheduleConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled, firing computation passes on each
// cadence. An immediate pass runs at startup so a fresh daemon does not
// wait an hour for its first scores.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler starting",
		"sei_interval", s.cfg.SEIInterval,
		"svi_interval", s.cfg.SVIInterval,
		"eri_interval", s.cfg.ERIInterval,
		"cascade_interval", s.cfg.CascadeInterval)

	s.engine.RunAll(ctx, time.Now().UTC())

	seiTicker := time.NewTicker(s.cfg.SEIInterval)
	defer seiTicker.Stop()
	sviTicker := time.NewTicker(s.cfg.SVIInterval)
	defer sviTicker.Stop()
	eriTicker := time.NewTicker(s.cfg.ERIInterval)
	defer eriTicker.Stop()
	cascadeTicker := time.NewTicker(s.cfg.CascadeInterval)
	defer cascadeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return
		case t := <-seiTicker.C:
			s.engine.RunAll(ctx, t.UTC())
		case t := <-sviTicker.C:
			s.engine.RunAll(ctx, t.UTC())
		case t := <-eriTicker.C:
			s.engine.RunAll(ctx, t.UTC())
		case t := <-cascadeTicker.C:
			if err := s.engine.RunCascade(ctx, t.UTC()); err != nil {
				s.logger.Error("Cascade pass failed", "error", err)
			}
		}
	}
}
