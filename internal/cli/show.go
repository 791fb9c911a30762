package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-sampler/internal/app"
)

var (
	showLimit int
	clearYes  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the stored price series",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Stats(cmd.Context())
		return err
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored sample for the configured symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Clear(cmd.Context(), clearYes)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deletion")
}
