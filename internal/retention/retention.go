// Package retention periodically trims stored process output.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trimmer removes all but the newest keep output chunks of every process
type Trimmer interface {
	TrimAllOutput(ctx context.Context, keep int) (int64, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@every 1h"
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler runs the trim job on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	trimmer  Trimmer
	keep     int
	logger   *zap.SugaredLogger
}

// New creates a scheduler; call Run to start it
func New(expr string, keep int, trimmer Trimmer, logger *zap.SugaredLogger) (*Scheduler, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", expr, err)
	}

	cl := cronLogger{logger}
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		schedule: schedule,
		trimmer:  trimmer,
		keep:     keep,
		logger:   logger,
	}
	return s, nil
}

// NextRun returns when the job fires next after t
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce trims immediately
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	removed, err := s.trimmer.TrimAllOutput(ctx, s.keep)
	if err != nil {
		return removed, err
	}
	s.logger.Infow("trimmed process output", "removed", removed, "keep", s.keep, "took", time.Since(start))
	return removed, nil
}

// Run schedules the job and blocks until ctx is done, then waits for a
// running trim to finish
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorw("retention trim failed", "error", err)
		}
	}))
	s.cron.Start()
	s.logger.Infow("retention scheduled", "next", s.NextRun(time.Now()), "keep", s.keep)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
