/**
 * @description
 * Cron scheduler for the pending-transfer drainer and the interest job.
 *
 * @notes
 * - Runs of the same job never overlap within one instance. Other instances are
 *   serialized by database row locks.
 * - Every run gets its own context bounded by the job timeout.
 */
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Drainer settles pending transfers.
type Drainer interface {
	Drain(ctx context.Context) (DrainReport, error)
}

// Accruer applies interest to eligible accounts.
type Accruer interface {
	Enabled() bool
	Accrue(ctx context.Context) (AccrualReport, error)
}

// ScheduleConfig holds job intervals and the per-run timeout.
type ScheduleConfig struct {
	DrainInterval    time.Duration
	InterestInterval time.Duration
	JobTimeout       time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	drainer  Drainer
	accruer  Accruer
	cfg      ScheduleConfig
	logger   *zap.Logger
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(drainer Drainer, accruer Accruer, cfg ScheduleConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := cronZapLogger{logger: logger}
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     c,
		drainer:  drainer,
		accruer:  accruer,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  baseCtx,
		cancelFn: cancel,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if s.drainer != nil {
		if err := s.schedule("transfer drain", s.cfg.DrainInterval, s.RunDrain); err != nil {
			return err
		}
	}

	if s.accruer != nil && s.accruer.Enabled() {
		if err := s.schedule("interest accrual", s.cfg.InterestInterval, s.RunAccrual); err != nil {
			return err
		}
	} else {
		s.logger.Info("interest accrual disabled")
	}

	s.cron.Start()
	return nil
}

// Stop stops scheduling, cancels running jobs and returns a context that is
// done once they have returned.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.cancelFn()
	return ctx
}

func (s *Scheduler) schedule(name string, every time.Duration, job func()) error {
	if every < time.Second {
		return fmt.Errorf("%s interval %s is below one second", name, every)
	}
	schedule := "@every " + every.String()
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

// RunDrain performs one bounded drain run.
func (s *Scheduler) RunDrain() {
	ctx, cancel := s.jobContext()
	defer cancel()

	report, err := s.drainer.Drain(ctx)
	if err != nil {
		s.logger.Error("transfer drain failed", zap.Error(err))
		return
	}
	if report.Scanned > 0 {
		s.logger.Debug("transfer drain run complete", zap.Int("scanned", report.Scanned))
	}
}

// RunAccrual performs one bounded interest run.
func (s *Scheduler) RunAccrual() {
	ctx, cancel := s.jobContext()
	defer cancel()

	if _, err := s.accruer.Accrue(ctx); err != nil {
		s.logger.Error("interest accrual failed", zap.Error(err))
	}
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	if s.cfg.JobTimeout <= 0 {
		return context.WithCancel(s.baseCtx)
	}
	return context.WithTimeout(s.baseCtx, s.cfg.JobTimeout)
}

// cronZapLogger adapts zap to cron.Logger.
type cronZapLogger struct {
	logger *zap.Logger
}

func (l cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
