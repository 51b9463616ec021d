package main

import "github.com/anneschuth/pinchwork/internal/cli"

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	cli.Execute()
}
