package main

import (
	"fmt"
	"os"

	"github.com/zziklive/edge_rate_limiter/internal/cli"
)

// set via ldflags, e.g. -X main.version=1.0.0
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, buildDate)

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgeserver: %v\n", err)
		os.Exit(1)
	}
}
