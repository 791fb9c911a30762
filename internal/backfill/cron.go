package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

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

// Runner triggers FillAll on a cron schedule. A run still in progress causes
// the next trigger to be skipped.
type Runner struct {
	cron       *cron.Cron
	backfiller *Backfiller
	spec       string
	schedule   cron.Schedule
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewRunner parses spec (standard five-field or @every/@hourly descriptors).
func NewRunner(b *Backfiller, spec string, timeout time.Duration, logger zerolog.Logger) (*Runner, error) {
	lg := cronLogger{logger: logger.With().Str("component", "backfill_cron").Logger()}
	c := cron.New(
		cron.WithLogger(lg),
		cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
	)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse backfill schedule %q: %w", spec, err)
	}
	return &Runner{cron: c, backfiller: b, spec: spec, schedule: schedule, timeout: timeout, logger: lg.logger}, nil
}

// Run schedules the job and blocks until ctx is cancelled, then waits for a
// running job to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Schedule(r.schedule, cron.FuncJob(func() { r.runOnce(ctx) }))
	r.cron.Start()
	r.logger.Info().Str("schedule", r.spec).Time("next", r.schedule.Next(time.Now())).Msg("backfill scheduled")

	<-ctx.Done()
	<-r.cron.Stop().Done()
	return ctx.Err()
}

func (r *Runner) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if _, err := r.backfiller.FillAll(runCtx); err != nil {
		r.logger.Error().Err(err).Msg("scheduled backfill failed")
	}
}
