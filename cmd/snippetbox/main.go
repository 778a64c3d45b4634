package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/snippetbox/internal/config"
	"github.com/sakif/snippetbox/internal/runner"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "snippetbox",
	Short: "Snippetbox - sandboxed execution of code snippets",
	Long: `Snippetbox runs short Python, Bash and JavaScript snippets as child
processes bounded by CPU, memory and wall-clock limits.

Configuration is read from snippetbox.yaml (or --config) and SNIPPETBOX_*
environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (default: ./snippetbox.yaml if present)")
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	runner.Init()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
