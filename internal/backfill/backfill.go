package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-sampler/internal/analytics"
	"market-sampler/internal/fetcher"
	"market-sampler/internal/storage"
	"market-sampler/internal/telemetry"
)

// Options configure a backfill run.
type Options struct {
	Symbol            string
	MinGap            time.Duration
	MaxGaps           int
	InterCallDelay    time.Duration
	LargeGapThreshold time.Duration
	LargeGapDelay     time.Duration
	Padding           time.Duration
	RequestTimeout    time.Duration
}

// Report summarises a FillAll run.
type Report struct {
	Detected   int
	Attempted  int
	Filled     int
	Failed     int
	Remaining  int
	Inserted   int
	Recomputed int
}

// Backfiller refills gaps from a provider's historical range endpoint.
type Backfiller struct {
	store    storage.SampleStore
	provider fetcher.Provider
	detector *Detector
	engine   *analytics.Engine
	metrics  *telemetry.Metrics
	opts     Options
	limiter  *rate.Limiter
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires a Backfiller. engine and metrics may be nil.
func New(store storage.SampleStore, provider fetcher.Provider, detector *Detector, engine *analytics.Engine, metrics *telemetry.Metrics, opts Options, logger zerolog.Logger) *Backfiller {
	if opts.MinGap <= 0 {
		opts.MinGap = time.Hour
	}
	if opts.MaxGaps <= 0 {
		opts.MaxGaps = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.InterCallDelay > 0 {
		limit = rate.Every(opts.InterCallDelay)
	}

	return &Backfiller{
		store:    store,
		provider: provider,
		detector: detector,
		engine:   engine,
		metrics:  metrics,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "backfill").Str("provider", provider.Name()).Logger(),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Detect returns the current gaps without filling them.
func (b *Backfiller) Detect(ctx context.Context) ([]Gap, error) {
	return b.detector.Detect(ctx, b.opts.MinGap)
}

// Fill fetches a padded range around gap and inserts every point strictly
// inside it that has a price and is not stored yet. It returns the number of
// samples inserted; a second run over the same gap inserts nothing.
func (b *Backfiller) Fill(ctx context.Context, gap Gap) (int, error) {
	from := gap.Start.Add(-b.opts.Padding)
	to := gap.End.Add(b.opts.Padding)

	callCtx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	quotes, err := b.provider.FetchRange(callCtx, b.opts.Symbol, from, to)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch range %s..%s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), err)
	}

	inserted := 0
	skipped := 0
	for _, q := range quotes {
		ts := q.Timestamp.UTC()
		if !ts.After(gap.Start) || !ts.Before(gap.End) {
			continue
		}
		if !fetcher.Valid(q.Price) {
			skipped++
			continue
		}

		exists, err := b.store.Exists(ctx, ts)
		if err != nil {
			return inserted, fmt.Errorf("check existing sample: %w", err)
		}
		if exists {
			continue
		}

		if _, err := b.store.Save(ctx, storage.Sample{
			Timestamp: ts,
			Price:     *q.Price,
			Volume24h: q.Volume24h,
			MarketCap: q.MarketCap,
			Source:    storage.SourceBackfill,
		}); err != nil {
			return inserted, fmt.Errorf("save backfilled sample: %w", err)
		}
		inserted++
	}

	b.metrics.AddBackfilled(inserted)
	b.logger.Info().
		Time("gap_start", gap.Start).
		Time("gap_end", gap.End).
		Int("received", len(quotes)).
		Int("inserted", inserted).
		Int("skipped_no_price", skipped).
		Msg("gap filled")
	return inserted, nil
}

// FillAll detects gaps and fills the largest ones first, pacing provider calls.
// A failing gap is logged and does not stop the run. Rolling metrics are
// recomputed from the earliest filled gap onwards.
func (b *Backfiller) FillAll(ctx context.Context) (Report, error) {
	var report Report

	gaps, err := b.Detect(ctx)
	if err != nil {
		return report, err
	}
	report.Detected = len(gaps)
	b.metrics.SetGaps(len(gaps))
	if len(gaps) == 0 {
		b.logger.Info().Msg("no gaps detected")
		return report, nil
	}

	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Duration > gaps[j].Duration })
	if len(gaps) > b.opts.MaxGaps {
		report.Remaining = len(gaps) - b.opts.MaxGaps
		gaps = gaps[:b.opts.MaxGaps]
	}

	var earliest time.Time
	for i, gap := range gaps {
		if err := b.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Attempted++

		n, err := b.Fill(ctx, gap)
		report.Inserted += n
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			b.logger.Error().Err(err).Time("gap_start", gap.Start).Dur("duration", gap.Duration).Msg("gap fill failed")
		} else if n > 0 {
			report.Filled++
		}
		if n > 0 && (earliest.IsZero() || gap.Start.Before(earliest)) {
			earliest = gap.Start
		}

		if i < len(gaps)-1 && b.opts.LargeGapDelay > 0 && gap.Duration > b.opts.LargeGapThreshold {
			if err := b.sleep(ctx, b.opts.LargeGapDelay); err != nil {
				return report, err
			}
		}
	}

	if report.Inserted > 0 && b.engine != nil {
		updated, err := b.engine.Recompute(ctx, b.store, earliest, b.now().UTC())
		report.Recomputed = updated
		if err != nil {
			b.logger.Error().Err(err).Msg("recompute after backfill failed")
		}
	}

	b.logger.Info().
		Int("detected", report.Detected).
		Int("attempted", report.Attempted).
		Int("filled", report.Filled).
		Int("failed", report.Failed).
		Int("inserted", report.Inserted).
		Int("remaining", report.Remaining).
		Int("recomputed", report.Recomputed).
		Msg("backfill run complete")
	return report, nil
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
