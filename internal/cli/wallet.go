package cli

import (
	"github.com/spf13/cobra"
)

var walletUser string

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage wallets",
}

var walletNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WalletNew()
	},
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the native balance of a configured wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WalletBalance(cmd.Context(), resolveUser(walletUser))
	},
}

func init() {
	walletBalanceCmd.Flags().StringVar(&walletUser, "user", "", "User id (defaults to wallet.default_user)")

	walletCmd.AddCommand(walletNewCmd)
	walletCmd.AddCommand(walletBalanceCmd)
}
