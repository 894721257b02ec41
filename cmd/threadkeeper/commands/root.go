// Package commands implements the threadkeeper CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/copilot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadkeeper",
		Short: "threadkeeper - conversational assistant for Discord",
		Long: `threadkeeper answers in Discord channels, keeps per-conversation
memory with rolling summaries and asks a human before it searches the web
or generates images.

Examples:
  threadkeeper serve --config ./config.yaml
  threadkeeper config validate
  threadkeeper history 123456789012345678`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newHistoryCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the file named by --config, or the first one found
// in the standard locations.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = copilot.FindConfigFile()
	}
	if configPath == "" {
		return nil, "", fmt.Errorf("no configuration file found (looked for config.yaml, threadkeeper.yaml, configs/config.yaml); pass --config")
	}
	cfg, err := copilot.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	return cfg, configPath, nil
}

// newLogger builds the process logger. Without an explicit format, text is
// used on a terminal and JSON otherwise.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
