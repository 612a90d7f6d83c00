// Package config loads and validates the daemon configuration. A Config is
// immutable after loading; every component receives it fully validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mhoffm/backupd/pkg/lockfile"
	"github.com/mhoffm/backupd/pkg/metafile"
	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/util"
)

// DefaultEntryPrefix is the name prefix for backup entries when the config
// does not override it.
const DefaultEntryPrefix = "backup-"

// systemIgnorePatterns are always excluded from snapshots so the daemon's
// own files never end up inside a backup.
var systemIgnorePatterns = []string{metafile.MetaFileName, lockfile.LockFileName}

// ScheduleConfig describes when backup runs are triggered.
type ScheduleConfig struct {
	// Days holds weekdays 0 (Monday) through 6 (Sunday), strictly ascending.
	Days []int `mapstructure:"days"`
	// Hour of day, 0-23.
	Hour int `mapstructure:"hour"`
	// Minute of the hour, 0-59.
	Minute int `mapstructure:"minute"`
}

// RetentionConfig caps how many backup entries are kept.
type RetentionConfig struct {
	// RunsToKeep is the maximum number of entries under the target root.
	RunsToKeep int `mapstructure:"runs_to_keep"`
}

// CompressionConfig controls the optional archive stage.
type CompressionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Format is "gzip" or "zstd".
	Format string `mapstructure:"format"`
	// Level is "fastest", "default" or "best".
	Level string `mapstructure:"level"`
}

// OwnershipConfig sets the uid/gid stored for every entry inside a produced
// archive. Snapshots preserve per-file ownership; archives normalize it.
type OwnershipConfig struct {
	UID int `mapstructure:"uid"`
	GID int `mapstructure:"gid"`
}

// PerformanceConfig tunes the worker pools and I/O buffers.
type PerformanceConfig struct {
	CopyWorkers   int `mapstructure:"copy_workers"`
	DeleteWorkers int `mapstructure:"delete_workers"`
	// BufferSizeKB is the size of the I/O buffer in kilobytes for file
	// copies and compression.
	BufferSizeKB int `mapstructure:"buffer_size_kb"`
}

// TelegramConfig enables run notifications via a Telegram bot. Optional.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Config is the complete validated daemon configuration.
type Config struct {
	// Source is the directory tree to back up.
	Source string `mapstructure:"source"`
	// TargetRoot is where timestamped backup entries are created.
	TargetRoot string `mapstructure:"target_root"`
	// EntryPrefix prefixes every backup entry name.
	EntryPrefix string `mapstructure:"entry_prefix"`
	LogLevel    string `mapstructure:"log_level"`
	// IgnorePatterns are shell globs matched against base names during the
	// snapshot copy.
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
	// MinFreeSpaceMB aborts a run early when the target filesystem has less
	// free space. 0 disables the check.
	MinFreeSpaceMB int `mapstructure:"min_free_space_mb"`

	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Compression CompressionConfig `mapstructure:"compression"`
	Ownership   OwnershipConfig   `mapstructure:"ownership"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Telegram    *TelegramConfig   `mapstructure:"telegram"`
}

// NewDefault returns a Config with sensible defaults. Source and TargetRoot
// are intentionally empty to force user configuration.
func NewDefault() Config {
	return Config{
		EntryPrefix: DefaultEntryPrefix,
		LogLevel:    "info",
		Schedule: ScheduleConfig{
			Days:   []int{0, 1, 2, 3, 4, 5, 6},
			Hour:   3,
			Minute: 0,
		},
		Retention: RetentionConfig{
			RunsToKeep: 7,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Format:  "gzip",
			Level:   "default",
		},
		Ownership: OwnershipConfig{
			UID: os.Getuid(),
			GID: os.Getgid(),
		},
		Performance: PerformanceConfig{
			CopyWorkers:   4,
			DeleteWorkers: 2,
			BufferSizeKB:  256,
		},
	}
}

// Parser loads configuration from YAML files or readers, layering
// BACKUPD_* environment variables over file values.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BACKUPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (Config, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not expand config path: %w", err)
	}
	p.v.SetConfigFile(expanded)

	if err := p.v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("could not read config file %q: %w", path, err)
	}

	return p.parse()
}

// LoadReader loads configuration from inline YAML content. Useful for tests.
func (p *Parser) LoadReader(content string) (Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return Config{}, fmt.Errorf("could not read config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (Config, error) {
	cfg := NewDefault()
	if err := p.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}

	// Env values may arrive as scalars through viper; expand ${VAR}
	// references in the credential fields like the file loader would.
	if cfg.Telegram != nil {
		cfg.Telegram.BotToken = os.ExpandEnv(cfg.Telegram.BotToken)
		cfg.Telegram.ChatID = os.ExpandEnv(cfg.Telegram.ChatID)
	}

	if err := cfg.normalizePaths(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// normalizePaths expands tilde prefixes and makes Source and TargetRoot
// absolute so later stages never depend on the working directory.
func (c *Config) normalizePaths() error {
	var err error
	if c.Source, err = util.ExpandPath(c.Source); err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	if c.TargetRoot, err = util.ExpandPath(c.TargetRoot); err != nil {
		return fmt.Errorf("could not expand target path: %w", err)
	}
	if c.Source != "" {
		if c.Source, err = filepath.Abs(c.Source); err != nil {
			return fmt.Errorf("could not determine absolute source path: %w", err)
		}
	}
	if c.TargetRoot != "" {
		if c.TargetRoot, err = filepath.Abs(c.TargetRoot); err != nil {
			return fmt.Errorf("could not determine absolute target path: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration and fails fast on the first problem.
// When checkSource is true the source directory must exist on disk.
func (c *Config) Validate(checkSource bool) error {
	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.TargetRoot == "" {
		return fmt.Errorf("target_root path cannot be empty")
	}
	if c.Source == c.TargetRoot {
		return fmt.Errorf("source and target_root cannot be the same")
	}

	if checkSource {
		info, err := os.Stat(c.Source)
		if err != nil {
			return fmt.Errorf("source path %q does not exist: %w", c.Source, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("source path %q is not a directory", c.Source)
		}
	}

	if c.EntryPrefix == "" {
		return fmt.Errorf("entry_prefix cannot be empty")
	}
	if strings.ContainsAny(c.EntryPrefix, "/\\~") {
		return fmt.Errorf("entry_prefix cannot contain path separators or '~'")
	}

	if len(c.Schedule.Days) == 0 {
		return fmt.Errorf("schedule.days cannot be empty")
	}
	for i, day := range c.Schedule.Days {
		if day < 0 || day > 6 {
			return fmt.Errorf("schedule.days entry %d is out of range 0-6", day)
		}
		if i > 0 && day <= c.Schedule.Days[i-1] {
			return fmt.Errorf("schedule.days must be strictly ascending without duplicates")
		}
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("schedule.hour must be between 0 and 23")
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		return fmt.Errorf("schedule.minute must be between 0 and 59")
	}

	if c.Retention.RunsToKeep < 1 {
		return fmt.Errorf("retention.runs_to_keep must be at least 1")
	}

	if c.Compression.Enabled {
		switch c.Compression.Format {
		case "gzip", "zstd":
		default:
			return fmt.Errorf("compression.format must be 'gzip' or 'zstd', got %q", c.Compression.Format)
		}
		switch c.Compression.Level {
		case "fastest", "default", "best":
		default:
			return fmt.Errorf("compression.level must be 'fastest', 'default' or 'best', got %q", c.Compression.Level)
		}
	}

	if c.Ownership.UID < 0 {
		return fmt.Errorf("ownership.uid cannot be negative")
	}
	if c.Ownership.GID < 0 {
		return fmt.Errorf("ownership.gid cannot be negative")
	}

	if c.Performance.CopyWorkers < 1 {
		return fmt.Errorf("performance.copy_workers must be at least 1")
	}
	if c.Performance.DeleteWorkers < 1 {
		return fmt.Errorf("performance.delete_workers must be at least 1")
	}
	if c.Performance.BufferSizeKB < 1 {
		return fmt.Errorf("performance.buffer_size_kb must be greater than 0")
	}

	if c.MinFreeSpaceMB < 0 {
		return fmt.Errorf("min_free_space_mb cannot be negative")
	}

	if _, err := plog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	if err := validateGlobPatterns("ignore_patterns", c.IgnorePatterns); err != nil {
		return err
	}

	if c.Telegram != nil {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return nil
}

// EffectiveIgnorePatterns merges the user patterns with the patterns the
// daemon always excludes.
func (c *Config) EffectiveIgnorePatterns() []string {
	return util.MergeAndDeduplicate(systemIgnorePatterns, c.IgnorePatterns)
}

// LogSummary logs the loaded configuration at debug level.
func (c *Config) LogSummary() {
	plog.Debug("Loaded configuration",
		"source", c.Source,
		"targetRoot", c.TargetRoot,
		"scheduleDays", c.Schedule.Days,
		"scheduleHour", c.Schedule.Hour,
		"scheduleMinute", c.Schedule.Minute,
		"runsToKeep", c.Retention.RunsToKeep,
		"compress", c.Compression.Enabled,
		"compressionFormat", c.Compression.Format,
		"ignorePatterns", c.IgnorePatterns,
		"telegram", c.Telegram != nil,
	)
}

// validateGlobPatterns checks that every pattern is a syntactically valid
// shell glob.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}
