package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "llmgate",
	Short:        "LLM API gateway",
	Long:         "llmgate is a reverse proxy for OpenAI-compatible inference backends with budgets, rate limits and health-aware routing.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config directory")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keyCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
