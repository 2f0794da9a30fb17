package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prfagit/sam-framework-sub002/internal/config"
	"github.com/prfagit/sam-framework-sub002/internal/core"
	"github.com/prfagit/sam-framework-sub002/internal/db"
	"github.com/prfagit/sam-framework-sub002/internal/plugins"
	"github.com/prfagit/sam-framework-sub002/internal/sessions"
	"github.com/prfagit/sam-framework-sub002/internal/web"
)

func runServe(ctx context.Context, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger = slog.New(web.NewRequestIDLogHandler(logger.Handler()))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	if err := c.RegisterBuiltins(); err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}
	if err := c.LoadPlugins(ctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	c.WatchAllowlist(ctx)

	server := web.NewServer(web.ServerConfig{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		RootPath:    cfg.API.RootPath,
		DevMode:     cfg.DevMode,
		CORSOrigins: cfg.API.CORSOrigins,
	}, c.Factory, c.Sessions, c.Bus, c.Metrics.Handler(), c.Health, logger)

	logger.Info("sam starting",
		"provider", cfg.LLM.Provider,
		"database", cfg.Database.URL,
		"plugins_enabled", cfg.Plugins.Enabled)
	return server.Run(ctx)
}

func runPluginsTrust(cmd *cobra.Command, module, entryPoint, label string) error {
	cfg := config.Load()
	if err := plugins.Trust(cfg.Plugins.AllowlistFile, module, entryPoint, label); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "trusted %s\n", module)
	if entryPoint != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "entry point %s -> %s\n", entryPoint, module)
	}
	return nil
}

func runPluginsList(cmd *cobra.Command) error {
	cfg := config.Load()
	out := cmd.OutOrStdout()

	list, err := plugins.LoadAllowlist(cfg.Plugins.AllowlistFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "allowlist: %s\n", cfg.Plugins.AllowlistFile)
	if len(list.Modules) == 0 && len(list.EntryPoints) == 0 {
		fmt.Fprintln(out, "  (empty)")
	}
	for module, rule := range list.Modules {
		fmt.Fprintf(out, "  module      %s  sha256=%.12s…  %s\n", module, rule.SHA256, rule.Label)
	}
	for name, rule := range list.EntryPoints {
		fmt.Fprintf(out, "  entry-point %s -> %s  sha256=%.12s…  %s\n", name, rule.Module, rule.SHA256, rule.Label)
	}

	candidates, err := pluginCandidates(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "candidates: %d\n", len(candidates))
	for _, c := range candidates {
		if c.EntryPoint != "" {
			fmt.Fprintf(out, "  %s (entry point %s)\n", c.Module, c.EntryPoint)
			continue
		}
		fmt.Fprintf(out, "  %s\n", c.Module)
	}
	return nil
}

func runPluginsVerify(cmd *cobra.Command) error {
	cfg := config.Load()
	out := cmd.OutOrStdout()

	list, err := plugins.LoadAllowlist(cfg.Plugins.AllowlistFile)
	if err != nil {
		return err
	}
	policy := plugins.NewPolicy(list, cfg.Plugins.AllowUnverified, slog.Default())

	candidates, err := pluginCandidates(cfg)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintln(out, "no plugin candidates configured")
		return nil
	}

	rejected := 0
	for _, c := range candidates {
		digest, err := plugins.FileDigest(c.Module)
		if err != nil {
			fmt.Fprintf(out, "ERROR     %s: %v\n", c.Module, err)
			rejected++
			continue
		}
		c.Digest = digest
		if err := policy.Evaluate(c); err != nil {
			fmt.Fprintf(out, "REJECTED  %s: %v\n", c.Module, err)
			rejected++
			continue
		}
		fmt.Fprintf(out, "OK        %s\n", c.Module)
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d plugin(s) would be refused", rejected, len(candidates))
	}
	return nil
}

// pluginCandidates mirrors the loader's resolution: explicit SAM_PLUGINS
// paths first, then manifest discovery.
func pluginCandidates(cfg *config.Config) ([]plugins.Candidate, error) {
	candidates := make([]plugins.Candidate, 0, len(cfg.Plugins.Plugins))
	for _, path := range cfg.Plugins.Plugins {
		candidates = append(candidates, plugins.Candidate{Module: path})
	}
	discovered, err := plugins.DiscoverManifests(cfg.Plugins.Dirs)
	if err != nil {
		return nil, err
	}
	for _, info := range discovered {
		candidates = append(candidates, plugins.Candidate{
			Module:     info.Binary,
			EntryPoint: info.Manifest.ID,
		})
	}
	return candidates, nil
}

func openMigrationEngine(cfg *config.Config) (*db.Engine, error) {
	return db.Open(db.Config{
		URL:     cfg.Database.URL,
		MinSize: cfg.Database.PoolMinSize,
		MaxSize: cfg.Database.PoolMaxSize,
	}, slog.Default())
}

func runMigrate(cmd *cobra.Command) error {
	cfg := config.Load()
	engine, err := openMigrationEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	applied, err := db.NewMigrator(engine, slog.Default()).Run(ctx, sessions.Migrations())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
	return nil
}

func runMigrateStatus(cmd *cobra.Command) error {
	cfg := config.Load()
	engine, err := openMigrationEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	statuses, err := db.NewMigrator(engine, slog.Default()).Status(ctx, sessions.Migrations())
	if err != nil {
		return err
	}
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied " + s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-30s %s\n", s.Version, s.Name, state)
	}
	return nil
}
