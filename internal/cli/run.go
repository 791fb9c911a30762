package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var collectOnceCmd = &cobra.Command{
	Use:   "collect-once",
	Short: "Run a single collection cycle for the current bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getApp().CollectOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %s\n", out.CycleID, out.Status)
		if out.Sample.Price > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "price: %v at %s\n", out.Sample.Price, out.Sample.Timestamp.UTC().Format(time.RFC3339))
		}
		for field, provider := range out.Sources {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s <- %s\n", field, provider)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check provider and database connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		checks, err := getApp().Health(cmd.Context())
		if err != nil {
			return err
		}
		failed := 0
		for name, cerr := range checks {
			status := "ok"
			if cerr != nil {
				status = cerr.Error()
				failed++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, status)
		}
		if failed == len(checks) && failed > 0 {
			return fmt.Errorf("all %d checks failed", failed)
		}
		return nil
	},
}
