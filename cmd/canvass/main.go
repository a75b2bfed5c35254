// Package main provides the canvass CLI.
//
// canvass runs client-side A/B experiments declared in a configuration file:
// it serves a demo page whose content switches on experiment variants,
// prints a visitor's experiment state and checks configuration files.
//
// # Basic Usage
//
// Start the demo server:
//
//	canvass serve --config canvass.yaml
//
// Inspect a visitor:
//
//	canvass state --visitor v1 --path / --query 'canvassPreviewMode=all'
//
// Validate configuration:
//
//	canvass config validate canvass.yaml
//
// # Environment Variables
//
//   - CANVASS_CONFIG: Path to configuration file (default: canvass.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skybet/canvass/internal/app"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "canvass.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	app.Version = version

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "canvass",
		Short: "canvass - client-side A/B experiments",
		Long: `canvass registers experiments, watches their triggers and activates them
through an assignment provider or a preview mode override.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStateCmd(),
		buildPreviewCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit path, then CANVASS_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CANVASS_CONFIG"); env != "" {
		return env
	}
	return defaultConfigName
}
