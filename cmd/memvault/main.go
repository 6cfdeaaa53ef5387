// Package main is the entry point for the memvault CLI.
package main

import (
	"os"

	"memvault/cmd/memvault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
