package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set at build time via -ldflags.
//
var (
	version = "dev"
	commit  = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version of apache-exporter",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(),
			"apache-exporter %s (%s)\n", version, commit)
	},
}
