package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "realm",
	Short: "Anime Realm bot engine",
	Long: "Receives chat platform webhooks, dispatches them to conversation handlers with persistent state, " +
		"and delivers replies through a rate-limited outbound gateway.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
