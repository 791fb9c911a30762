package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/storage"
)

// Gap is a stretch of the series with no samples.
type Gap struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

func newGap(start, end time.Time) Gap {
	return Gap{Start: start, End: end, Duration: end.Sub(start)}
}

// Detector scans stored timestamps for gaps.
type Detector struct {
	store    storage.SampleStore
	lookback time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDetector creates a Detector looking back over lookback.
func NewDetector(store storage.SampleStore, lookback time.Duration, logger zerolog.Logger) *Detector {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Detector{
		store:    store,
		lookback: lookback,
		now:      time.Now,
		logger:   logger.With().Str("component", "gap_detector").Logger(),
	}
}

// Detect returns gaps longer than minGap within the lookback window, ordered by
// start. Leading (window start to oldest) and trailing (newest to now) gaps are
// included; an empty store yields one gap covering the whole window.
func (d *Detector) Detect(ctx context.Context, minGap time.Duration) ([]Gap, error) {
	now := d.now().UTC()
	since := now.Add(-d.lookback)

	stamps, err := d.store.Timestamps(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load timestamps: %w", err)
	}

	if len(stamps) == 0 {
		d.logger.Info().Time("since", since).Msg("no samples in lookback window")
		return []Gap{newGap(since, now)}, nil
	}

	gaps := make([]Gap, 0)
	if stamps[0].Sub(since) > minGap {
		gaps = append(gaps, newGap(since, stamps[0]))
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Sub(stamps[i-1]) > minGap {
			gaps = append(gaps, newGap(stamps[i-1], stamps[i]))
		}
	}
	last := stamps[len(stamps)-1]
	if now.Sub(last) > minGap {
		gaps = append(gaps, newGap(last, now))
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Start.Before(gaps[j].Start) })

	d.logger.Debug().Int("samples", len(stamps)).Int("gaps", len(gaps)).Dur("min_gap", minGap).Msg("gap scan complete")
	return gaps, nil
}
