package cli

import (
	"github.com/spf13/cobra"

	"snipr/internal/snipe"
)

var (
	simulateState  string
	simulateReason string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次 snipe 终态并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), snipe.State(simulateState), simulateReason)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateState, "state", string(snipe.StateCompleted), "终态 completed/failed/cancelled")
	simulateCmd.Flags().StringVar(&simulateReason, "reason", "", "失败原因")
}
