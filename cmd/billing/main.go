package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "billing",
		Short:        "Subject subscription billing service",
		Long:         `Runs the subscription billing API and its Stripe webhook, and provides maintenance commands for migrations and pending plan changes.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: ./billing.yaml or ./configs/billing.yaml)")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newReconcileCommand(),
		newReplayCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
