package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	recomputeFrom string
	recomputeTo   string
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List gaps in the stored series",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Gaps(cmd.Context())
		return err
	},
}

var fillGapsCmd = &cobra.Command{
	Use:   "fill-gaps",
	Short: "Detect gaps and refill them from the range provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().FillGaps(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(),
			"detected=%d attempted=%d filled=%d failed=%d remaining=%d inserted=%d recomputed=%d\n",
			report.Detected, report.Attempted, report.Filled, report.Failed, report.Remaining, report.Inserted, report.Recomputed)
		return err
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute volatility, money flow and velocity for stored samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseOptionalTime("--from", recomputeFrom)
		if err != nil {
			return err
		}
		to, err := parseOptionalTime("--to", recomputeTo)
		if err != nil {
			return err
		}
		updated, err := getApp().Recompute(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %d samples\n", updated)
		return nil
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeFrom, "from", "", "Start timestamp (RFC3339, defaults to analytics.recompute_lookback ago)")
	recomputeCmd.Flags().StringVar(&recomputeTo, "to", "", "End timestamp (RFC3339, defaults to now)")
}

func parseOptionalTime(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &ts, nil
}
