package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"snipr/internal/app"
)

var (
	snipeUser     string
	snipeToken    string
	snipeAmount   string
	snipeMaxGas   string
	snipeSlippage string
	snipeAt       string
	snipeIn       time.Duration
)

var snipeCmd = &cobra.Command{
	Use:   "snipe <target>",
	Short: "Submit a snipe and wait for its outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := snipeOptions(args[0])
		if err != nil {
			return err
		}
		return getApp().Snipe(cmd.Context(), opts)
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <target>",
	Short: "Estimate the total cost of a snipe at the current gas price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := snipeOptions(args[0])
		if err != nil {
			return err
		}
		return getApp().Estimate(cmd.Context(), opts)
	},
}

func snipeOptions(target string) (app.SnipeOptions, error) {
	amount, err := decimal.NewFromString(snipeAmount)
	if err != nil {
		return app.SnipeOptions{}, fmt.Errorf("invalid --amount value: %w", err)
	}

	opts := app.SnipeOptions{
		UserID: resolveUser(snipeUser),
		Target: target,
		Token:  snipeToken,
		Amount: amount,
		Delay:  snipeIn,
	}

	if snipeMaxGas != "" {
		if opts.MaxGasPrice, err = decimal.NewFromString(snipeMaxGas); err != nil {
			return app.SnipeOptions{}, fmt.Errorf("invalid --max-gas value: %w", err)
		}
	}
	if snipeSlippage != "" {
		if opts.Slippage, err = decimal.NewFromString(snipeSlippage); err != nil {
			return app.SnipeOptions{}, fmt.Errorf("invalid --slippage value: %w", err)
		}
	}
	if snipeAt != "" {
		at, err := time.Parse(time.RFC3339, snipeAt)
		if err != nil {
			return app.SnipeOptions{}, fmt.Errorf("invalid --at value: %w", err)
		}
		opts.At = at
	}

	return opts, nil
}

func init() {
	for _, cmd := range []*cobra.Command{snipeCmd, estimateCmd} {
		cmd.Flags().StringVar(&snipeAmount, "amount", "", "Native amount to send")
		cmd.Flags().StringVar(&snipeToken, "token", "", "Token symbol for the record")
		_ = cmd.MarkFlagRequired("amount")
	}
	snipeCmd.Flags().StringVar(&snipeUser, "user", "", "User id (defaults to wallet.default_user)")
	snipeCmd.Flags().StringVar(&snipeMaxGas, "max-gas", "", "Gas price ceiling in gwei (0 disables)")
	snipeCmd.Flags().StringVar(&snipeSlippage, "slippage", "", "Slippage tolerance in percent")
	snipeCmd.Flags().StringVar(&snipeAt, "at", "", "Trigger timestamp (RFC3339)")
	snipeCmd.Flags().DurationVar(&snipeIn, "in", 0, "Trigger after this delay (ignored with --at)")
}
