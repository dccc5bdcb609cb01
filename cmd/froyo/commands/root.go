package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo",
		Short: "froyo - declarative configuration convergence",
		Long: `froyo converges a host towards the state declared in CUE bundles.

A bundle lists resources (files, packages, services, commands, scripts) and the
resources they depend on. froyo orders them, applies independent resources
concurrently, backs up every file before changing it and can restore any run.

Features:
  - Typed bundles via CUE, importable from local paths and URLs
  - Scripted resources via Starlark
  - Policy checks via OPA before anything is changed
  - Per-run backups with restore by run ID
  - Run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default /etc/froyo/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newAgentCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newBackupsCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
