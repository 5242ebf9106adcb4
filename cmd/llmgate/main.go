package main

import (
	"os"

	"github.com/llmgate/llmgate/cmd/llmgate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
