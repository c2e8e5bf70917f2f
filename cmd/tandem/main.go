// Package main is the tandem command-line entry point.
package main

import (
	"os"

	"github.com/roach88/tandem/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
