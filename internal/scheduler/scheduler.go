// Package scheduler is the periodic trigger for step evaluation and the
// unsent drip sweep.
package scheduler

import (
	"context"
	"fmt"

	"github.com/ignite/squeeze/internal/config"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/workflow"
	"github.com/robfig/cron/v3"
)

// Jobs are the engine entry points the scheduler triggers;
// *workflow.Engine satisfies it.
type Jobs interface {
	RunAll(ctx context.Context) (workflow.RunReport, error)
	SendDrips(ctx context.Context) (workflow.SendReport, error)
}

// Scheduler runs Jobs on cron specs. A run still in progress when its next
// tick arrives is skipped.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
	ctx  context.Context
	log  *logger.Logger
}

// New registers the run-steps and send-drips triggers from cfg.
func New(cfg config.SchedulerConfig, jobs Jobs) (*Scheduler, error) {
	log := logger.With("component", "scheduler")
	l := cronLogger{log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.SkipIfStillRunning(l), cron.Recover(l)),
		),
		jobs: jobs,
		ctx:  context.Background(),
		log:  log,
	}
	if _, err := s.cron.AddFunc(cfg.RunSteps, s.runSteps); err != nil {
		return nil, fmt.Errorf("schedule run-steps %q: %w", cfg.RunSteps, err)
	}
	if _, err := s.cron.AddFunc(cfg.SendDrips, s.sendDrips); err != nil {
		return nil, fmt.Errorf("schedule send-drips %q: %w", cfg.SendDrips, err)
	}
	return s, nil
}

// Run starts the triggers and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runSteps() {
	report, err := s.jobs.RunAll(s.ctx)
	if err != nil {
		s.log.Error("run-steps failed", "error", err)
		return
	}
	s.log.Info("run-steps finished",
		"steps", report.Steps, "ran", report.Ran, "locked", report.Locked,
		"moved", report.Moved, "tasks", report.Tasks, "errors", report.Errors)
}

func (s *Scheduler) sendDrips() {
	report, err := s.jobs.SendDrips(s.ctx)
	if err != nil {
		s.log.Error("send-drips failed", "error", err)
		return
	}
	s.log.Info("send-drips finished",
		"drips", report.Drips, "broadcasts", report.Broadcasts,
		"tasks", report.Tasks, "errors", report.Errors)
}

// cronLogger adapts pkg/logger to cron.Logger.
type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
