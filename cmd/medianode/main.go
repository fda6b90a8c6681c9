// Package main is the entry point for the medianode application.
package main

import (
	"os"

	"github.com/flyingrabbit881/medianode/cmd/medianode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
