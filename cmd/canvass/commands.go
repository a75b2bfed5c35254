package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canvass demo server",
		Long: `Start an HTTP server that builds an experiment session for every page view.

Visitors are identified by a cookie. Each page view registers the configured
experiments, fires path triggers for the requested path and returns the
variants the visitor sees. Page events and tracking calls are posted to
/events and /track.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  canvass serve

  # Reload experiments when the file changes
  canvass serve --config /etc/canvass/canvass.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload experiments when the config file changes")
	return cmd
}

// =============================================================================
// State Command
// =============================================================================

func buildStateCmd() *cobra.Command {
	var (
		configPath string
		visitorID  string
		path       string
		query      string
		fire       []string
	)

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the experiment state for one page view",
		Long: `Build a session for a visitor the way the server does and print the
register. Without a shared storage driver the visitor starts fresh.`,
		Example: `  canvass state --visitor v1 --path /
  canvass state --visitor v1 --query 'canvassPreviewMode={"PinkHomepage":1}'
  canvass state --visitor v1 --fire button.click`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, resolveConfigPath(configPath), visitorID, path, query, fire)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&visitorID, "visitor", "cli", "Visitor id")
	cmd.Flags().StringVar(&path, "path", "/", "Page path")
	cmd.Flags().StringVar(&query, "query", "", "Raw query string")
	cmd.Flags().StringSliceVar(&fire, "fire", nil, "Page events to emit after the page view")
	return cmd
}

// =============================================================================
// Preview Command
// =============================================================================

func buildPreviewCmd() *cobra.Command {
	var param string

	cmd := &cobra.Command{
		Use:   "preview <query>",
		Short: "Show how a query string resolves to a preview mode",
		Args:  cobra.ExactArgs(1),
		Example: `  canvass preview 'canvassPreviewMode=all'
  canvass preview 'canvassPreviewMode={"PinkHomepage":"1"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, args[0], param)
		},
	}

	cmd.Flags().StringVar(&param, "param", "", "Query parameter name (default canvassPreviewMode)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigValidate(cmd, resolveConfigPath(path))
		},
	}
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "canvass %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
