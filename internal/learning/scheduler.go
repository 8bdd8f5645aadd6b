// ABOUTME: Cron-driven scheduler for periodic learning runs
// ABOUTME: Uses gronx to validate the expression and compute the next tick

package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Runner is what the scheduler triggers.
type Runner interface {
	RunAll(ctx context.Context) ([]*Report, error)
}

// Scheduler runs learning on a cron schedule.
type Scheduler struct {
	expr   string
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler validates expr and returns a scheduler for it.
func NewScheduler(expr string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:   expr,
		runner: runner,
		logger: logger.With("component", "learning_scheduler"),
		now:    time.Now,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is done, triggering the runner at every tick. Runs
// never overlap: a tick that arrives during a run is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("computing next tick: %w", err)
		}
		s.logger.Debug("next learning run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		started := s.now()
		reports, err := s.runner.RunAll(ctx)
		if err != nil {
			s.logger.Warn("scheduled learning run had failures", "error", err)
		}
		s.logger.Info("scheduled learning run finished",
			"tenants", len(reports),
			"duration", time.Since(started))
	}
}
