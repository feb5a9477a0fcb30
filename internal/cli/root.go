package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"snipr/internal/app"
	"snipr/internal/config"
	"snipr/internal/logging"
	"snipr/internal/snipe"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "snipr",
	Short:         "Risk-gated snipe scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", displayError(err))
		os.Exit(1)
	}
}

// displayError prefers the human reason carried by snipe errors.
func displayError(err error) string {
	var se *snipe.Error
	if errors.As(err, &se) {
		return snipe.Reason(err)
	}
	return err.Error()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snipeCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(riskCmd)
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

func resolveUser(flag string) string {
	if flag != "" {
		return flag
	}
	return getApp().Config.Wallet.DefaultUser
}
