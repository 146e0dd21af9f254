package main

// ---------------------------------------------------------------------------
// main.go: entry point for the arpguard CLI
//
// Command implementations live in their own files (cmd_*.go). Shared table
// and format helpers are in output.go.
// ---------------------------------------------------------------------------

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		root.PrintErrln(color.RedString("error:"), err)
		os.Exit(1)
	}
}
