// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/server"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "rigrun-relay",
		Short: "Route chat messages to hosted models and answer in text or voice",
		Long: `rigrun-relay routes each user's messages to the model they selected,
answers in text or as an OGG/Opus voice note, and keeps a small per-user
session in memory.

Quick Start:
  export OPENROUTER_API_KEY=sk-or-...
  rigrun-relay serve                 # HTTP relay on :8080
  rigrun-relay console               # chat from the terminal
  rigrun-relay models                # list available models`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			server.Version = Version
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default ~/.rigrun-relay/config.toml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override log format (console, json)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(flags),
		newConsoleCmd(flags),
		newModelsCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:")+" "+err.Error())
		os.Exit(1)
	}
}
