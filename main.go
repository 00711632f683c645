// Package main is the entry point for Argus.
package main

import (
	"os"

	"argus/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
