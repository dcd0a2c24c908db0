// Package main is the entry point for the tghub CLI.
package main

import (
	"os"

	"github.com/tghub/tghub/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
