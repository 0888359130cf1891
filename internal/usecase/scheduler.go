package usecase

import (
	"context"
	"log/slog"
	"time"

	"TrialStreamer/internal/ports"
)

// Scheduler wires the periodic driver with the update use case.
type Scheduler struct {
	driver       ports.Scheduler
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring updates.
func NewScheduler(driver ports.Scheduler, orchestrator *Orchestrator, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, orchestrator: orchestrator, logger: logger}
}

// Start registers the update run with the provided scheduler. Failed runs are
// logged; the next tick retries from the ledger.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.orchestrator == nil {
		return nil
	}

	job := func(trigger time.Time) {
		started := time.Now()
		if err := s.orchestrator.Update(ctx); err != nil {
			s.logError("scheduled update failed", "trigger", trigger, "error", err)
			return
		}
		s.info("scheduled update finished", "trigger", trigger, "elapsed", time.Since(started))
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

func (s *Scheduler) info(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) logError(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
