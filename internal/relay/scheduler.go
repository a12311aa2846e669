package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gbrelay-project/gbrelay/internal/state"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// Scheduler invokes the orchestrator on a fixed period. The ticker firing
// while a cycle is still in progress is the hung-process signal, surfaced
// as ErrCycleOverrun so the caller can exit for its supervisor to restart.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

// NewScheduler builds a scheduler around an orchestrator.
func NewScheduler(o *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{orchestrator: o, interval: interval}
}

// Run executes cycles until the context is cancelled or an overrun is
// detected. The first cycle starts immediately, later ones on each tick.
// On overrun Run returns ErrCycleOverrun; cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := util.ComponentLogger("scheduler")
	logger.Info().Dur("interval", s.interval).Msg("Relay scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	done := make(chan error, 1)
	inFlight := true
	go func() { done <- s.orchestrator.RunCycle(ctx) }()

	for {
		select {
		case err := <-done:
			inFlight = false
			if err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, state.ErrPersistFailed) {
					logger.Error().Err(err).Msg("State persistence failed, shutting down")
					return err
				}
				logger.Error().Err(err).Msg("Relay cycle failed")
			}
		case <-ticker.C:
			if inFlight {
				logger.Error().Msg("Previous cycle still running, requesting restart")
				return ErrCycleOverrun
			}
			inFlight = true
			go func() { done <- s.orchestrator.RunCycle(ctx) }()
		case <-ctx.Done():
			logger.Info().Msg("Relay scheduler stopped")
			return nil
		}
	}
}
