package commands

import (
	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(configPath)
	},
}
