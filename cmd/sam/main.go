// Package main is the sam CLI: the agent server plus the operational
// commands around it (plugin trust management, migrations).
//
// Basic usage:
//
//	sam serve
//	sam plugins trust ./bin/my-plugin --label "my plugin"
//	sam migrate status
//
// Configuration comes from the environment (OPENAI_API_KEY,
// SAM_DATABASE_URL, SAM_API_PORT, ...); `sam serve` prints the full
// validation report when something is off.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sam",
		Short:        "sam - conversational agent middleware",
		Long:         "sam runs an LLM agent loop with tool execution, session memory,\nand a digest-pinned plugin trust system, behind an HTTP/SSE/WebSocket API.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPluginsCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
