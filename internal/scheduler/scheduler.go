// Package scheduler runs the engine's periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/config"
	"github.com/goodtune/sitebudget/internal/engine"
)

// Job names.
const (
	JobLimitCheck = "limit_check"
	JobFlush      = "flush"
	JobRollover   = "rollover"
)

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	Tick(ctx context.Context) engine.TickResult
	FlushIfDirty(ctx context.Context) engine.FlushResult
	Rollover(ctx context.Context) engine.RolloverResult
}

// Scheduler owns a cron instance with one entry per job.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger zerolog.Logger

	jobs    map[string]func(context.Context)
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New registers the jobs in cfg. Invalid cron specs are reported here rather
// than at Start.
func New(cfg config.ScheduleConfig, runner Runner, logger zerolog.Logger) (*Scheduler, error) {
	log := logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: log}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		logger:  log,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.jobs = map[string]func(context.Context){
		JobLimitCheck: s.limitCheck,
		JobFlush:      s.flush,
		JobRollover:   s.rollover,
	}

	specs := map[string]string{
		JobLimitCheck: cfg.LimitCheck,
		JobFlush:      cfg.Flush,
		JobRollover:   cfg.Rollover,
	}
	for name, spec := range specs {
		job := s.jobs[name]
		id, err := s.cron.AddFunc(spec, func() { job(s.ctx) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	for _, name := range s.Jobs() {
		s.logger.Info().Str("job", name).Time("next", s.cron.Entry(s.entries[name]).Next).Msg("Job scheduled")
	}
}

// Stop prevents new runs and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job once, synchronously.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	job(ctx)
	return nil
}

func (s *Scheduler) limitCheck(ctx context.Context) {
	res := s.runner.Tick(ctx)
	if !res.Success {
		s.logger.Error().Str("error", res.Error).Msg("Limit check failed")
		return
	}
	if res.Check != nil && res.Check.Notification != nil {
		s.logger.Debug().Int("threshold", res.Check.Notification.Threshold).Msg("Limit check notified")
	}
}

func (s *Scheduler) flush(ctx context.Context) {
	res := s.runner.FlushIfDirty(ctx)
	if !res.Success {
		s.logger.Warn().Str("error", res.Error).Str("outcome", res.Outcome).Msg("Periodic flush failed")
	}
}

func (s *Scheduler) rollover(ctx context.Context) {
	res := s.runner.Rollover(ctx)
	switch {
	case !res.Success:
		s.logger.Error().Str("error", res.Error).Msg("Rollover check failed")
	case res.Rolled:
		s.logger.Info().Str("previous_day", res.PreviousDay).Str("day", res.Day).Msg("Rolled over usage day")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
