// Package scheduler triggers backup runs from a cron schedule expression.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ambientlog/ambientlog/internal/models"
)

// BackupRunner is the backup surface the scheduler drives. Satisfied by
// *backup.Manager.
type BackupRunner interface {
	Run(ctx context.Context) (models.BackupObject, error)
	ApplyRetention(ctx context.Context, now time.Time) ([]string, error)
}

// Scheduler computes the next fire time from a cron expression and runs a
// backup followed by a retention sweep at each fire, sequentially and
// indefinitely.
type Scheduler struct {
	schedule cron.Schedule
	runner   BackupRunner
	logger   *logrus.Logger
}

// New parses a standard five-field cron expression ("0 2 * * *" is daily
// at 02:00) and returns a scheduler for it.
func New(expr string, runner BackupRunner, logger *logrus.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		schedule: schedule,
		runner:   runner,
		logger:   logger,
	}, nil
}

// NextAfter returns the first fire time strictly after now. Pure, so it is
// testable without a clock.
func (s *Scheduler) NextAfter(now time.Time) time.Time {
	return s.schedule.Next(now)
}

// Run loops until ctx is canceled: sleep to the next fire time, back up,
// sweep retention, recompute. The wait is interruptible, and the next fire
// time is always recomputed from the moment the scheduler wakes, so a
// delayed wake produces at most one run for its slot.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.NextAfter(time.Now())
		s.logger.WithField("next_run", next.Format(time.RFC3339)).Info("Backup scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Backup scheduler stopped")
			return nil
		case <-timer.C:
		}

		s.fire(ctx)
	}
}

// fire executes one backup run plus retention sweep. Failures are logged
// and absorbed; the next scheduled run retries independently.
func (s *Scheduler) fire(ctx context.Context) {
	start := time.Now()

	obj, err := s.runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).Error("Scheduled backup failed")
		return
	}

	deleted, err := s.runner.ApplyRetention(ctx, time.Now())
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("Retention sweep failed")
	}

	s.logger.WithFields(logrus.Fields{
		"key":      obj.Key,
		"size":     obj.Size,
		"deleted":  len(deleted),
		"duration": time.Since(start).String(),
	}).Info("Scheduled backup complete")
}
