package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"market-sampler/internal/backfill"
)

// Gaps prints the gaps currently present in the stored series.
func (a *App) Gaps(ctx context.Context) ([]backfill.Gap, error) {
	store, closeStore, err := a.requireStore(ctx, "detect gaps")
	if err != nil {
		return nil, err
	}
	defer closeStore()

	detector := backfill.NewDetector(store, a.Config.Backfill.Lookback, a.Logger)
	gaps, err := detector.Detect(ctx, a.Config.Backfill.MinGap)
	if err != nil {
		return nil, err
	}
	if len(gaps) == 0 {
		fmt.Fprintln(os.Stdout, "no gaps found")
		return gaps, nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Start (UTC)\tEnd (UTC)\tDuration")
	for _, gap := range gaps {
		fmt.Fprintf(writer, "%s\t%s\t%s\n",
			gap.Start.UTC().Format(time.RFC3339),
			gap.End.UTC().Format(time.RFC3339),
			gap.Duration.Round(time.Minute),
		)
	}
	writer.Flush()
	return gaps, nil
}

// FillGaps detects and refills gaps once using the configured range provider.
func (a *App) FillGaps(ctx context.Context) (backfill.Report, error) {
	store, closeStore, err := a.requireStore(ctx, "fill gaps")
	if err != nil {
		return backfill.Report{}, err
	}
	defer closeStore()

	chain, err := a.newProviders()
	if err != nil {
		return backfill.Report{}, err
	}

	filler, err := a.newBackfiller(store, chain, a.newEngine(), nil)
	if err != nil {
		return backfill.Report{}, err
	}

	if a.Config.Backfill.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Backfill.RunTimeout)
		defer cancel()
	}

	report, err := filler.FillAll(ctx)
	if err != nil {
		return report, err
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("%d of %d gaps failed, see log for details", report.Failed, report.Attempted)
	}
	return report, nil
}

// Recompute rewrites derived metrics over [from, to]. A nil from defaults to
// analytics.recompute_lookback before to.
func (a *App) Recompute(ctx context.Context, from, to *time.Time) (int, error) {
	end := time.Now().UTC()
	if to != nil {
		end = to.UTC()
	}
	lookback := a.Config.Analytics.RecomputeLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	start := end.Add(-lookback)
	if from != nil {
		start = from.UTC()
	}
	if !start.Before(end) {
		return 0, errors.New("from must be before to")
	}

	store, closeStore, err := a.requireStore(ctx, "recompute metrics")
	if err != nil {
		return 0, err
	}
	defer closeStore()

	return a.newEngine().Recompute(ctx, store, start, end)
}
