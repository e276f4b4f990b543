package cli

import (
	"github.com/spf13/cobra"

	"liquidation-sentinel/internal/app"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Once: runOnce})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single monitoring cycle and exit")
}
