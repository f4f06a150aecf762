package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfware/bindery/cmd/bindery/commands"
)

var rootCmd = &cobra.Command{
	Use:   "bindery",
	Short: "Bindery - EPUB to Markdown book processing service",
	Long: `Bindery converts submitted EPUB books to Markdown bundles.

Jobs are tracked in a Redis-compatible state store, artifacts live in an
S3-compatible object store, and a bounded worker pool drives each book
through the processing pipeline.

Available commands:
  serve   - Start the HTTP gateway and worker pool
  config  - Inspect the effective configuration
  version - Print build information

Examples:
  bindery serve                      # Start with bindery.toml / env config
  bindery serve --config /etc/bindery.toml
  bindery config show                # Show merged configuration
  bindery version                    # Show version and build info`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
