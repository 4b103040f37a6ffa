package main

import (
	"os"
)

func main() {
	c := &command{}

	cmd := c.Cmd()
	cmd.AddCommand(versionCmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
