package main

import (
	"fmt"
	"os"

	"github.com/ironsheep/imagecore/cmd/imagecore/commands"
	"github.com/ironsheep/imagecore/internal/rawpool"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Decode workers are this binary re-executed; they never reach cobra.
	rawpool.MaybeRunWorker(nil)

	commands.Version = Version
	commands.BuildTime = BuildTime
	commands.GitCommit = GitCommit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
