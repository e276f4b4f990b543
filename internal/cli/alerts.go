package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liquidation-sentinel/internal/app"
)

var alertsLimit int

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent risk alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Alerts(cmd.Context(), app.ShowOptions{Limit: alertsLimit})
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an active alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UpdateAlert(cmd.Context(), args[0], app.ActionAcknowledge)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an open alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UpdateAlert(cmd.Context(), args[0], app.ActionResolve)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
