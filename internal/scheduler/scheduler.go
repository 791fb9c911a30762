package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/telemetry"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// CycleTimeout bounds a single tick; zero means no bound beyond ctx.
	CycleTimeout time.Duration
}

// Scheduler drives aligned execution of collection cycles. At most one cycle
// runs at a time; a tick that fires while a cycle is running is dropped.
type Scheduler struct {
	opts    Options
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	running  atomic.Bool
	dropped  atomic.Int64
	inflight sync.WaitGroup
}

// New constructs a Scheduler instance. metrics may be nil.
func New(opts Options, metrics *telemetry.Metrics, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, metrics: metrics, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Dropped returns how many ticks were skipped because a cycle was running.
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks, invoking the tick function at each aligned interval until ctx is
// cancelled. On cancellation no new cycle starts and Run waits for the
// in-flight one before returning.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.inflight.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.dispatch(ctx, s.bucketStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, bucket time.Time, tick TickFunc) {
	if !s.running.CompareAndSwap(false, true) {
		n := s.dropped.Add(1)
		s.metrics.TickDropped()
		s.logger.Warn().Time("bucket", bucket).Int64("dropped_total", n).Msg("previous cycle still running; tick dropped")
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)

		cycleCtx := ctx
		if s.opts.CycleTimeout > 0 {
			var cancel context.CancelFunc
			cycleCtx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
			defer cancel()
		}

		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
		if err := tick(cycleCtx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
	}()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
