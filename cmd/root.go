package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "deskrelay",
	Short: "Webhook relay between a customer-service inbox and an AI backend",
	Long:  "DeskRelay receives messaging-platform webhooks, pulls new inbox messages, and answers them through a conversational AI backend.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
