// Package main provides the CLI entry point for Steward, a Telegram gateway
// to a long-running AI agent.
//
// Steward relays prompts to the agent runtime, streams progress back into the
// chat, and negotiates timeout extensions for long operations.
//
// # Basic Usage
//
// Start the gateway:
//
//	steward serve --config steward.yaml
//
// # Environment Variables
//
// Secrets are usually referenced from the config file:
//
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "steward",
		Short:        "Steward - Telegram gateway to a long-running AI agent",
		Long:         "Steward relays Telegram prompts to an AI agent runtime, streams progress back into the chat, and negotiates timeout extensions for long operations.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
