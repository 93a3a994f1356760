// Command riskd monitors option positions and executes exits.
package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"options-risk-engine/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
