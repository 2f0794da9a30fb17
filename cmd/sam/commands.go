package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		Long: `Start the agent server with the configured LLM provider, session
store, cache, and plugins, then serve the HTTP API until SIGINT/SIGTERM.`,
		Example: `  # Serve with defaults (sqlite, in-memory cache, 127.0.0.1:8001)
  OPENAI_API_KEY=sk-... sam serve

  # Anthropic with Redis and Postgres
  LLM_PROVIDER=anthropic ANTHROPIC_API_KEY=... \
  SAM_REDIS_URL=redis://localhost:6379/0 \
  SAM_DATABASE_URL=postgresql://sam@localhost/sam sam serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage the plugin trust allowlist",
	}
	cmd.AddCommand(buildPluginsTrustCmd(), buildPluginsListCmd(), buildPluginsVerifyCmd())
	return cmd
}

func buildPluginsTrustCmd() *cobra.Command {
	var (
		entryPoint string
		label      string
	)

	cmd := &cobra.Command{
		Use:   "trust <module>",
		Short: "Pin a plugin binary's current digest in the allowlist",
		Long: `Hash the plugin binary at <module> and record the digest in the
allowlist, optionally under an entry-point name as well. The binary is
never executed. The allowlist write is atomic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsTrust(cmd, args[0], entryPoint, label)
		},
	}

	cmd.Flags().StringVar(&entryPoint, "entry-point", "", "Also pin under this entry-point name")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the rule")
	return cmd
}

func buildPluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show allowlist rules and discovered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsList(cmd)
		},
	}
}

func buildPluginsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every configured plugin against the allowlist",
		Long: `Resolve every plugin candidate (SAM_PLUGINS paths and manifest
discovery), hash each binary without executing it, and report the trust
verdict. Exits non-zero when any candidate would be refused.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsVerify(cmd)
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd)
		},
	})
	return cmd
}
