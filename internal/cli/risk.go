package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"snipr/internal/risk"
)

var (
	riskUser      string
	riskMaxLoss   string
	riskSlippage  string
	riskMaxGas    string
	riskCooldown  time.Duration
	riskMaxSnipes int
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Inspect or change risk limits",
}

var riskShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's limits and daily counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RiskShow(cmd.Context(), resolveUser(riskUser))
	},
}

var riskSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Override some of a user's limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		var update risk.ProfileUpdate

		decimals := []struct {
			flag  string
			value string
			dst   **decimal.Decimal
		}{
			{"max-loss", riskMaxLoss, &update.MaxDailyLoss},
			{"max-slippage", riskSlippage, &update.MaxSlippage},
			{"max-gas", riskMaxGas, &update.MaxGasPrice},
		}
		for _, d := range decimals {
			if !cmd.Flags().Changed(d.flag) {
				continue
			}
			v, err := decimal.NewFromString(d.value)
			if err != nil {
				return fmt.Errorf("invalid --%s value: %w", d.flag, err)
			}
			if v.IsNegative() {
				return fmt.Errorf("--%s cannot be negative", d.flag)
			}
			*d.dst = &v
		}
		if cmd.Flags().Changed("cooldown") {
			update.Cooldown = &riskCooldown
		}
		if cmd.Flags().Changed("max-snipes") {
			if riskMaxSnipes < 0 {
				return fmt.Errorf("--max-snipes cannot be negative")
			}
			update.MaxSnipesPerDay = &riskMaxSnipes
		}

		return getApp().RiskSet(cmd.Context(), resolveUser(riskUser), update)
	},
}

func init() {
	riskCmd.PersistentFlags().StringVar(&riskUser, "user", "", "User id (defaults to wallet.default_user)")

	riskSetCmd.Flags().StringVar(&riskMaxLoss, "max-loss", "", "Max daily loss in percent")
	riskSetCmd.Flags().StringVar(&riskSlippage, "max-slippage", "", "Max slippage in percent")
	riskSetCmd.Flags().StringVar(&riskMaxGas, "max-gas", "", "Max gas price in gwei")
	riskSetCmd.Flags().DurationVar(&riskCooldown, "cooldown", 0, "Cooldown between snipes")
	riskSetCmd.Flags().IntVar(&riskMaxSnipes, "max-snipes", 0, "Max snipes per day")

	riskCmd.AddCommand(riskShowCmd)
	riskCmd.AddCommand(riskSetCmd)
}
