// Command portwatch is the entry point for the portwatch CLI and daemon.
package main

import (
	"github.com/portwatch/portwatch/cmd/cli"
)

// Build information - set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
