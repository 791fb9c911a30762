package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulatePrice      float64
	simulateVolatility float64
	simulateFlow       float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次高波动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateVolatility <= 0 {
			return errors.New("--price 与 --volatility 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulatePrice, simulateVolatility, simulateFlow)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟价格")
	simulateCmd.Flags().Float64Var(&simulateVolatility, "volatility", 0, "模拟波动率 (%)")
	simulateCmd.Flags().Float64Var(&simulateFlow, "money-flow", 0, "模拟资金流 (正值为流入)")
}
