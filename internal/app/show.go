package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-sampler/internal/storage"
)

// Show prints recent samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show samples")
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.Recent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tVolume 24h\tMarket Cap\tVolatility%\tMoney Flow\tVelocity\tSource")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(sample.Price, 2),
			formatOptional(sample.Volume24h, 0),
			formatOptional(sample.MarketCap, 0),
			formatOptional(sample.Volatility, 3),
			formatOptional(sample.MoneyFlow, 4),
			formatOptional(sample.VolumeVelocity, 4),
			sample.Source,
		)
	}

	writer.Flush()
	return nil
}

// Stats prints a summary of the stored series.
func (a *App) Stats(ctx context.Context) (storage.Statistics, error) {
	store, closeStore, err := a.requireStore(ctx, "compute statistics")
	if err != nil {
		return storage.Statistics{}, err
	}
	defer closeStore()

	stats, err := store.Statistics(ctx)
	if err != nil {
		return stats, err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s\n", a.Config.App.Symbol)
	fmt.Fprintf(writer, "Samples\t%d\n", stats.Count)
	if stats.Count > 0 {
		fmt.Fprintf(writer, "First\t%s\n", stats.First.UTC().Format(time.RFC3339))
		fmt.Fprintf(writer, "Last\t%s\n", stats.Last.UTC().Format(time.RFC3339))
		fmt.Fprintf(writer, "Mean\t%s\n", formatFloat(stats.Mean, 2))
		fmt.Fprintf(writer, "Min\t%s\n", formatFloat(stats.Min, 2))
		fmt.Fprintf(writer, "Max\t%s\n", formatFloat(stats.Max, 2))
		fmt.Fprintf(writer, "Latest\t%s\n", formatOptional(stats.Latest, 2))
	}
	writer.Flush()
	return stats, nil
}

// Clear deletes every stored sample for the configured symbol.
func (a *App) Clear(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return errors.New("refusing to clear samples without --yes")
	}
	store, closeStore, err := a.requireStore(ctx, "clear samples")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.ClearAll(ctx); err != nil {
		return err
	}
	a.Logger.Warn().Str("symbol", a.Config.App.Symbol).Msg("all samples deleted")
	return nil
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatOptional(v *float64, places int32) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v, places)
}
