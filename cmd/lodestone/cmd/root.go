// Package cmd provides the CLI commands for lodestone.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/pkg/version"
)

// NewRootCmd creates the root command for the lodestone CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "lodestone",
		Short: "Multi-tenant hybrid code search engine",
		Long: `Lodestone indexes codebases into per-store sparse and dense indexes
and serves hybrid (BM25 + semantic) search over a streaming TCP protocol.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("lodestone version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lodestone.yaml",
		"Path to the YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
