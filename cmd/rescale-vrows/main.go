// rescale-vrows - browse large remote row sets through a paged cache
package main

import (
	"os"

	"github.com/rescale/rescale-vrows/internal/cli"
	"github.com/rescale/rescale-vrows/internal/version"
)

// Version information, overridden by ldflags in release builds
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
