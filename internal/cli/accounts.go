package cli

import (
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the monitored account list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAccounts(cmd.Context())
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <account-id>...",
	Short: "Start monitoring accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetAccounts(cmd.Context(), args, true)
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>...",
	Short: "Stop monitoring accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetAccounts(cmd.Context(), args, false)
	},
}

func init() {
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}
