package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"liquidation-sentinel/internal/app"
)

var (
	simulateAccount    string
	simulateCollateral float64
	simulateDebt       float64
	simulatePrice      float64
	simulateHistory    []float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Score a synthetic position and route any alert through the configured sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCollateral <= 0 || simulatePrice <= 0 {
			return errors.New("--collateral and --price must be greater than 0")
		}
		if simulateDebt < 0 {
			return errors.New("--debt cannot be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			AccountID:  simulateAccount,
			Collateral: simulateCollateral,
			Debt:       simulateDebt,
			Price:      simulatePrice,
			History:    simulateHistory,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAccount, "account", "simulated", "Account id to report")
	simulateCmd.Flags().Float64Var(&simulateCollateral, "collateral", 0, "Collateral value in USD")
	simulateCmd.Flags().Float64Var(&simulateDebt, "debt", 0, "Debt value in USD")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Oracle price of the primary asset")
	simulateCmd.Flags().Float64SliceVar(&simulateHistory, "history", nil, "Primary asset prices one minute apart, oldest first")
}
