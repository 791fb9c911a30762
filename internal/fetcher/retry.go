package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/failure"
)

// RetryOptions bound the retry policy.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	return o
}

// Backoff returns the wait after the given failed attempt (1-based).
func (o RetryOptions) Backoff(attempt int) time.Duration {
	delay := o.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if delay > o.MaxDelay {
		return o.MaxDelay
	}
	return delay
}

// Retrying wraps a Provider with bounded exponential backoff on transient failures.
type Retrying struct {
	next   Provider
	opts   RetryOptions
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying decorates next with the retry policy.
func NewRetrying(next Provider, opts RetryOptions, logger zerolog.Logger) *Retrying {
	return &Retrying{
		next:   next,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "retry").Str("provider", next.Name()).Logger(),
		sleep:  sleepContext,
	}
}

// Name returns the wrapped provider's name.
func (r *Retrying) Name() string { return r.next.Name() }

// FetchCurrent retries the wrapped current-quote fetch.
func (r *Retrying) FetchCurrent(ctx context.Context, symbol string) (Quote, error) {
	return withRetry(ctx, r, "fetch current", func(ctx context.Context) (Quote, error) {
		return r.next.FetchCurrent(ctx, symbol)
	})
}

// FetchRange retries the wrapped range fetch.
func (r *Retrying) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error) {
	return withRetry(ctx, r, "fetch range", func(ctx context.Context) ([]Quote, error) {
		return r.next.FetchRange(ctx, symbol, from, to)
	})
}

// HealthCheck is passed through without retries.
func (r *Retrying) HealthCheck(ctx context.Context) error {
	return r.next.HealthCheck(ctx)
}

func withRetry[T any](ctx context.Context, r *Retrying, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().Int("attempt", attempt).Str("op", op).Msg("request recovered after retry")
			}
			return result, nil
		}
		lastErr = err

		if !failure.Retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt == r.opts.MaxAttempts {
			break
		}

		delay := r.opts.Backoff(attempt)
		r.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("kind", failure.KindOf(err).String()).
			Str("op", op).
			Msg("retryable failure")

		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: retry aborted: %w", op, lastErr)
		}
	}

	return zero, &failure.Error{
		Kind:     failure.KindOf(lastErr),
		Op:       op,
		Provider: r.next.Name(),
		Err:      fmt.Errorf("gave up after %d attempts: %w", r.opts.MaxAttempts, lastErr),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Provider = (*Retrying)(nil)
