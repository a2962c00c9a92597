// Package main is the entry point for the longform application.
package main

import (
	"os"

	"github.com/mediaforge/longform/cmd/longform/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
