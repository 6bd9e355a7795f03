package main

import (
	"fmt"
	"os"

	"github.com/psantana5/ml-orchestrator/cmd/mlctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
