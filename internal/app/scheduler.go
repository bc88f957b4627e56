/**
 * @description
 * Cron scheduler for the auto-release sweep. Transfers that nobody polls are released
 * here once their deadline passes.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleOff disables the background sweep. Auto-release then only happens lazily on reads.
const ScheduleOff = "off"

const sweepTimeout = 30 * time.Second

// AutoReleaseSweeper is implemented by Service.
type AutoReleaseSweeper interface {
	SweepAutoReleases(ctx context.Context) (int, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  AutoReleaseSweeper
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper AutoReleaseSweeper, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		logger:   logger,
		schedule: strings.TrimSpace(schedule),
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if s.schedule == "" || strings.EqualFold(s.schedule, ScheduleOff) {
		s.logger.Info("auto-release sweep disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.RunAutoReleaseSweep); err != nil {
		s.logger.Error("failed to schedule auto-release sweep", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled auto-release sweep", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// RunAutoReleaseSweep executes one sweep.
func (s *Scheduler) RunAutoReleaseSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	released, err := s.sweeper.SweepAutoReleases(ctx)
	if err != nil {
		s.logger.Error("auto-release sweep failed", "error", err)
		return
	}
	if released > 0 {
		s.logger.Info("auto-release sweep completed", "released", released)
	}
}

// Stop stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
