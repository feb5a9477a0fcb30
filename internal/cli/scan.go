package cli

import (
	"github.com/spf13/cobra"
)

var scanLimit int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List high-value pending transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), scanLimit)
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 20, "Maximum rows to display")
}
