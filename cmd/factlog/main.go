// Package main implements the factlog CLI.
//
// Every command opens the configured workspace directly. serve and mcp
// expose the same store over HTTP and MCP stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location
	configPath string
	// jsonOutput prints machine-readable output instead of tables
	jsonOutput bool
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "factlog",
	Short: "Persistent fact store and thought log for task runs",
	Long: `factlog keeps a confidence-weighted fact store and an append-only
thought log for agent task runs.

A fact replaces the stored one for its subject unless its confidence is
more than the configured tolerance below it. Every write, rejected write,
hypothesis and conclusion is recorded in the thought log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/factlog/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
	rootCmd.SetVersionTemplate(fmt.Sprintf("factlog %s (commit %s, built %s)\n", version, gitCommit, buildDate))
}
