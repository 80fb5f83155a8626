package main

import (
	"fmt"
	"os"

	"github.com/tphakala/skywatch/cmd"
	"github.com/tphakala/skywatch/internal/buildinfo"
	"github.com/tphakala/skywatch/internal/conf"
)

// Set with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := &conf.Context{Build: buildinfo.NewContext(version, buildDate)}

	rootCmd, err := cmd.RootCommand(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}
