package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"image-shrinker/internal/backup"
	"image-shrinker/internal/policy"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	WorkingDirectory    string           `mapstructure:"working_directory" validate:"required"`
	BackupDirectory     string           `mapstructure:"backup_directory"`
	SupportedExtensions []string         `mapstructure:"supported_extensions"`
	Policy              PolicyConfig     `mapstructure:"policy"`
	Retry               RetryConfig      `mapstructure:"retry"`
	Processing          ProcessingConfig `mapstructure:"processing"`
	Security            SecurityConfig   `mapstructure:"security"`
	Logging             LoggingConfig    `mapstructure:"logging"`
	Web                 WebConfig        `mapstructure:"web"`
}

// TierConfig is one row of the size-adaptive tier table
type TierConfig struct {
	MinMB    float64 `mapstructure:"min_mb" yaml:"min_mb"`
	Quality  int     `mapstructure:"quality" yaml:"quality"`
	MaxWidth int     `mapstructure:"max_width" yaml:"max_width"`
}

// RungConfig is an extra escalation step used once the tier table is exhausted
type RungConfig struct {
	Quality  int `mapstructure:"quality" yaml:"quality"`
	MaxWidth int `mapstructure:"max_width" yaml:"max_width"`
}

// PolicyConfig contains the compression policy
type PolicyConfig struct {
	Tiers      []TierConfig `mapstructure:"tiers"`
	Ladder     []RungConfig `mapstructure:"ladder"`
	MinQuality int          `mapstructure:"min_quality"`
	MinWidth   int          `mapstructure:"min_width"`
}

// RetryConfig contains the size-threshold retry settings
type RetryConfig struct {
	ThresholdMB float64 `mapstructure:"threshold_mb"` // 0 accepts any strict improvement
	MaxAttempts int     `mapstructure:"max_attempts"`
}

// ProcessingConfig contains file processing settings
type ProcessingConfig struct {
	CreateBackups   bool    `mapstructure:"create_backups"`
	DeleteOriginals bool    `mapstructure:"delete_originals"`
	SkipMarked      bool    `mapstructure:"skip_marked"`
	Marker          string  `mapstructure:"marker"`
	StampMetadata   bool    `mapstructure:"stamp_metadata"`
	OptimizeJPEG    bool    `mapstructure:"optimize_jpeg"` // progressive + optimised Huffman via jpegtran
	JpegtranPath    string  `mapstructure:"jpegtran_path"`
	BudgetMB        float64 `mapstructure:"budget_mb"` // 0 disables the verdict
	ShowProgress    bool    `mapstructure:"show_progress"`
}

// SecurityConfig contains security and safety settings
type SecurityConfig struct {
	DryRun         bool `mapstructure:"dry_run"`
	MaxFilesPerRun int  `mapstructure:"max_files_per_run"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// WebConfig contains settings for the serve command
type WebConfig struct {
	Port          int    `mapstructure:"port"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	StaticDir     string `mapstructure:"static_dir"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		WorkingDirectory: "img",
		SupportedExtensions: []string{
			".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif",
		},
		Policy: PolicyConfig{
			Tiers: []TierConfig{
				{MinMB: 10, Quality: 85, MaxWidth: 1800},
				{MinMB: 5, Quality: 88, MaxWidth: 2000},
				{MinMB: 1, Quality: 90, MaxWidth: 2400},
				{MinMB: 0, Quality: 92, MaxWidth: 3000},
			},
			Ladder: []RungConfig{
				{Quality: 80, MaxWidth: 1400},
			},
			MinQuality: 60,
			MinWidth:   800,
		},
		Retry: RetryConfig{
			ThresholdMB: 0,
			MaxAttempts: 3,
		},
		Processing: ProcessingConfig{
			CreateBackups:   true,
			DeleteOriginals: true,
			SkipMarked:      true,
			Marker:          "ImageShrinker",
			StampMetadata:   false,
			OptimizeJPEG:    true,
			JpegtranPath:    "jpegtran",
			BudgetMB:        8,
			ShowProgress:    false,
		},
		Security: SecurityConfig{
			DryRun:         false,
			MaxFilesPerRun: 0, // 0 means no limit
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-shrinker.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
		Web: WebConfig{
			Port:          8080,
			EnableMetrics: true,
			StaticDir:     "web/static",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-shrinker")
		v.AddConfigPath("/etc/image-shrinker")
	}

	v.SetEnvPrefix("IMAGE_SHRINKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.WorkingDirectory == "" {
		return fmt.Errorf("working_directory is required")
	}
	c.WorkingDirectory = expandPath(c.WorkingDirectory)

	if c.BackupDirectory == "" {
		c.BackupDirectory = filepath.Clean(c.WorkingDirectory) + "_backup"
	}
	c.BackupDirectory = expandPath(c.BackupDirectory)

	if backup.Nested(c.WorkingDirectory, c.BackupDirectory) {
		return fmt.Errorf("backup_directory must be outside working_directory and not contain it: %s", c.BackupDirectory)
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if _, err := c.PolicyTable(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.ThresholdMB < 0 {
		return fmt.Errorf("retry.threshold_mb must not be negative: %v", c.Retry.ThresholdMB)
	}

	if c.Processing.Marker == "" {
		c.Processing.Marker = "ImageShrinker"
	}

	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// PolicyTable builds the tier table and escalation ladder from the policy section.
func (c *Config) PolicyTable() (*policy.Ladder, error) {
	tiers := make([]policy.Tier, 0, len(c.Policy.Tiers))
	for _, t := range c.Policy.Tiers {
		tiers = append(tiers, policy.Tier{MinMB: t.MinMB, Quality: t.Quality, MaxWidth: t.MaxWidth})
	}
	table, err := policy.NewTable(tiers)
	if err != nil {
		return nil, err
	}

	rungs := make([]policy.Params, 0, len(c.Policy.Ladder))
	for _, r := range c.Policy.Ladder {
		rungs = append(rungs, policy.Params{Quality: r.Quality, MaxWidth: r.MaxWidth})
	}
	return policy.NewLadder(table, rungs, c.Policy.MinQuality, c.Policy.MinWidth)
}

// ThresholdBytes returns the retry threshold in bytes, or 0 when unset
func (c *Config) ThresholdBytes() int64 {
	return int64(c.Retry.ThresholdMB * policy.BytesPerMB)
}


// Helper functions

func expandPath(path string) string {
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expandedPath = filepath.Join(home, expandedPath[1:])
		}
	}
	return filepath.Clean(expandedPath)
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
