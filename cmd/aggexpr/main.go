// Package main is the entry point for the aggexpr command.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aggexpr",
		Short:         "Compile scoped aggregation expressions into pipeline documents",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.Version = version + " (commit=" + commit + ", built=" + date + ")"
	root.SetVersionTemplate("aggexpr version {{.Version}}\n")

	root.AddCommand(newCompileCmd(), newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
