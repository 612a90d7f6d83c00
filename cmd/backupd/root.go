package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mhoffm/backupd/pkg/buildinfo"
	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/plog"
)

var (
	// Configuration flags.
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "backupd",
	Short: "A scheduled directory backup daemon",
	Long: `backupd periodically copies a source directory into timestamped
backup entries under a target directory:
  - weekly schedule with a fixed time of day
  - consistent snapshot copies preserving permissions and ownership
  - optional gzip or zstd compression into tar archives
  - count-based retention of the oldest entries
  - Telegram notifications (if configured)`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, notice, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig loads and validates the configuration, then applies the
// effective log level. checkSource also verifies that the source directory
// exists, which validate-only invocations skip.
func loadConfig(checkSource bool) (config.Config, error) {
	if configFile == "" {
		return config.Config{}, fmt.Errorf("config file is required (use --config)")
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("could not load config %q: %w", configFile, err)
	}
	if err := cfg.Validate(checkSource); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging applies the configured log level, with the --log-level flag
// taking precedence.
func setupLogging(cfg config.Config) error {
	effective := cfg.LogLevel
	if logLevel != "" {
		effective = logLevel
	}
	level, err := plog.ParseLevel(effective)
	if err != nil {
		return err
	}
	plog.SetLevel(level)
	return nil
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		plog.Error("backupd failed", "error", err)
	}
	return err
}
