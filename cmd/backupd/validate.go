package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file without performing any backup run.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Source: %s\n", cfg.Source)
	fmt.Printf("  Target: %s\n", cfg.TargetRoot)
	fmt.Printf("  Entry prefix: %s\n", cfg.EntryPrefix)
	fmt.Printf("  Log level: %s\n", cfg.LogLevel)
	fmt.Println()
	fmt.Println("Schedule:")
	fmt.Printf("  Days (0=Monday): %v\n", cfg.Schedule.Days)
	fmt.Printf("  Time: %02d:%02d\n", cfg.Schedule.Hour, cfg.Schedule.Minute)
	fmt.Println()
	fmt.Println("Retention:")
	fmt.Printf("  Runs to keep: %d\n", cfg.Retention.RunsToKeep)
	fmt.Println()
	fmt.Println("Compression:")
	fmt.Printf("  Enabled: %v\n", cfg.Compression.Enabled)
	if cfg.Compression.Enabled {
		fmt.Printf("  Format: %s\n", cfg.Compression.Format)
		fmt.Printf("  Level: %s\n", cfg.Compression.Level)
		fmt.Printf("  Archive ownership: uid=%d gid=%d\n", cfg.Ownership.UID, cfg.Ownership.GID)
	}
	fmt.Println()
	fmt.Println("Performance:")
	fmt.Printf("  Copy workers: %d\n", cfg.Performance.CopyWorkers)
	fmt.Printf("  Delete workers: %d\n", cfg.Performance.DeleteWorkers)
	fmt.Printf("  Buffer size: %d KiB\n", cfg.Performance.BufferSizeKB)

	if len(cfg.IgnorePatterns) > 0 {
		fmt.Println()
		fmt.Println("Ignore patterns:")
		for _, p := range cfg.IgnorePatterns {
			fmt.Printf("  %s\n", p)
		}
	}

	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	if cfg.Telegram != nil {
		fmt.Printf("  Telegram chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Telegram bot token: (configured)\n")
	}
	if cfg.MinFreeSpaceMB > 0 {
		fmt.Printf("  Minimum free space: %d MB\n", cfg.MinFreeSpaceMB)
	}

	return nil
}
