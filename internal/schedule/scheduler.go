// Package schedule archives the previous day's logs on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/andresuchdata/logarchiver/internal/pipeline"
)

// Runner archives one date.
type Runner interface {
	Run(ctx context.Context, date time.Time) (pipeline.Result, error)
}

// Scheduler triggers a Runner for yesterday's date on every activation of a
// standard five-field cron spec. An activation that fires while the previous
// run is still going is skipped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	runner   Runner
	log      zerolog.Logger
	clog     cron.Logger
	chain    cron.Chain
	now      func() time.Time
}

// New parses spec and returns a Scheduler for runner.
func New(spec string, runner Runner, log zerolog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	log = log.With().Str("component", "scheduler").Logger()
	clog := cronLogger{log: log}

	return &Scheduler{
		spec:     spec,
		schedule: schedule,
		runner:   runner,
		log:      log,
		clog:     clog,
		chain:    cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		now:      time.Now,
	}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is done, then waits for an in-flight run to return.
// Runs get ctx, so cancelling it also cancels the current run before any
// further deletions.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(s.clog))
	c.Schedule(s.schedule, s.job(ctx))

	s.log.Info().
		Str("spec", s.spec).
		Time("next", s.Next(s.now())).
		Msg("Scheduler started")
	c.Start()

	<-ctx.Done()

	s.log.Info().Msg("Scheduler stopping, waiting for running archive")
	<-c.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) job(ctx context.Context) cron.Job {
	return s.chain.Then(cron.FuncJob(func() { s.RunOnce(ctx) }))
}

// RunOnce archives the day before now.
func (s *Scheduler) RunOnce(ctx context.Context) {
	date := pipeline.Yesterday(s.now())
	res, err := s.runner.Run(ctx, date)
	if err != nil {
		s.log.Error().Err(err).Str("date", pipeline.ArchiveBaseName(date)).Str("outcome", string(res.Outcome)).Msg("Scheduled archive failed")
		return
	}
	s.log.Info().Str("date", pipeline.ArchiveBaseName(date)).Str("outcome", string(res.Outcome)).Msg("Scheduled archive finished")
}

// cronLogger routes cron's own messages into zerolog. Routine scheduling
// chatter goes to debug; skipped activations are warnings.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	ev := l.log.Debug()
	if msg == "skip" {
		ev = l.log.Warn()
		msg = "previous archive still running, activation skipped"
	}
	ev.Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
