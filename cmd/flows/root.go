package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	rapidpro "github.com/istresearch/rapidpro-sub000"
	"github.com/istresearch/rapidpro-sub000/internal/cli"
	"github.com/istresearch/rapidpro-sub000/internal/config"
	"github.com/istresearch/rapidpro-sub000/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "flows",
	Short: "flows runs messaging flows for contacts",
	Long: `flows steps contacts through messaging flow definitions, keeps path and
result counters for reporting, and serves both over HTTP and MCP.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
}

// loadConfig reads the config named by --config and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(level, logging.Format(cfg.Log.Format)), nil
}

// loadApp is loadConfig followed by cli.NewApp.
func loadApp(cmd *cobra.Command) (*cli.App, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return cli.NewApp(cmd.Context(), cfg, logger)
}

// importFlows imports every .json definition under dir.
func importFlows(ctx context.Context, engine *rapidpro.Engine, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err := engine.ImportFlow(ctx, name, data); err != nil {
			return 0, fmt.Errorf("failed to import %s: %w", path, err)
		}
	}
	return len(paths), nil
}
