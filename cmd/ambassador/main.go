// Package main is the entry point for the ambassador server CLI.
package main

import (
	"os"

	"github.com/mcp-ambassador/ambassador/cmd/ambassador/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
