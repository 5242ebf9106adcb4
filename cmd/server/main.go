package main

import (
	"fmt"
	"os"

	"github.com/llmgate/llmgate/internal/server"
)

func main() {
	if err := server.Run(os.Getenv("CONFIG_PATH")); err != nil {
		fmt.Fprintf(os.Stderr, "llmgate: %v\n", err)
		os.Exit(1)
	}
}
