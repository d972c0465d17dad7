package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/badno/catalogsync/internal/config"
	"github.com/badno/catalogsync/internal/importlog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "catalogsync",
	Short: "Scheduled vendor feed import",
	Long: color.New(color.FgCyan, color.Bold).Sprint(`
            _        _
   ___ __ _| |_ __ _| | ___   __ _ ___ _   _ _ __   ___
  / __/ _' | __/ _' | |/ _ \ / _' / __| | | | '_ \ / __|
 | (_| (_| | || (_| | | (_) | (_| \__ \ |_| | | | | (__
  \___\__,_|\__\__,_|_|\___/ \__, |___/\__, |_| |_|\___|
                             |___/     |___/
`) + `
Catalog Sync - scheduled CSV feed import

Imports numbered vendor feed files (1.csv, 2.csv, ...) into the product
catalog, creating products, variations, categories and brands as needed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := config.ApplyEnv(cfg); err != nil {
			return err
		}
		logger = newLogger(cfg, verbose)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.catalogsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(autoImportCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
}

// newLogger writes to stderr and to the operator log files
func newLogger(c *config.Config, debug bool) *slog.Logger {
	level := parseLevel(c.Logs.Level)
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var console slog.Handler
	if strings.EqualFold(c.Logs.Format, "json") {
		console = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		console = slog.NewTextHandler(os.Stderr, opts)
	}

	if c.Logs.Dir == "" {
		return slog.New(console)
	}
	return slog.New(importlog.Tee{console, importlog.NewHandler(c.Logs.Dir, slog.LevelInfo)})
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
