// Package main provides the entry point for the lodestone server.
package main

import (
	"os"

	"github.com/lodestone-search/lodestone/cmd/lodestone/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
