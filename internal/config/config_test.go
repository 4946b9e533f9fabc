package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"image-shrinker/internal/policy"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BackupDirectory != "img_backup" {
		t.Errorf("backup directory = %q", cfg.BackupDirectory)
	}
	if cfg.ThresholdBytes() != 0 {
		t.Errorf("threshold = %d", cfg.ThresholdBytes())
	}
	if !cfg.Processing.OptimizeJPEG || cfg.Processing.JpegtranPath != "jpegtran" {
		t.Errorf("jpeg optimisation defaults = %+v", cfg.Processing)
	}
}

func TestValidateRejectsSameBackupDirectory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingDirectory = "photos"
	cfg.BackupDirectory = "./photos/"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when backup equals working directory")
	}
}

func TestValidateRejectsNestedBackupDirectory(t *testing.T) {
	cases := []struct{ work, backup string }{
		{"photos", "photos/.backup"},
		{"photos/current", "photos"},
	}
	for _, c := range cases {
		cfg := DefaultConfig()
		cfg.WorkingDirectory = c.work
		cfg.BackupDirectory = c.backup
		if err := cfg.Validate(); err == nil {
			t.Errorf("work %q, backup %q: expected error", c.work, c.backup)
		}
	}

	cfg := DefaultConfig()
	cfg.WorkingDirectory = "photos"
	cfg.BackupDirectory = "photos_backup"
	if err := cfg.Validate(); err != nil {
		t.Errorf("sibling backup rejected: %v", err)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cases := map[string]func(*Config){
		"no catch-all tier": func(c *Config) {
			c.Policy.Tiers = []TierConfig{{MinMB: 1, Quality: 90, MaxWidth: 2400}}
		},
		"quality out of range": func(c *Config) {
			c.Policy.Tiers[0].Quality = 0
		},
		"min quality": func(c *Config) {
			c.Policy.MinQuality = 101
		},
		"negative threshold": func(c *Config) {
			c.Retry.ThresholdMB = -1
		},
		"log level": func(c *Config) {
			c.Logging.Level = "verbose"
		},
		"no extensions": func(c *Config) {
			c.SupportedExtensions = []string{" "}
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Processing.Marker = ""
	cfg.SupportedExtensions = []string{"PNG", " .Jpg "}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Processing.Marker != "ImageShrinker" {
		t.Errorf("defaults not filled: %+v %+v", cfg.Retry, cfg.Processing)
	}
	if strings.Join(cfg.SupportedExtensions, ",") != ".png,.jpg" {
		t.Errorf("extensions = %v", cfg.SupportedExtensions)
	}
}

func TestPolicyTableMatchesDefaults(t *testing.T) {
	ladder, err := DefaultConfig().PolicyTable()
	if err != nil {
		t.Fatal(err)
	}
	if got := ladder.Select(12); got != (policy.Params{Quality: 85, MaxWidth: 1800}) {
		t.Errorf("Select(12) = %s", got)
	}
	rungs := ladder.Rungs()
	if last := rungs[len(rungs)-1]; last != (policy.Params{Quality: 80, MaxWidth: 1400}) {
		t.Errorf("last rung = %s", last)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `working_directory: ` + filepath.Join(dir, "pics") + `
policy:
  tiers:
    - {min_mb: 4, quality: 80, max_width: 1600}
    - {min_mb: 0, quality: 90, max_width: 2000}
retry:
  threshold_mb: 2.5
  max_attempts: 4
processing:
  budget_mb: 20
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BackupDirectory != filepath.Join(dir, "pics")+"_backup" {
		t.Errorf("backup directory = %q", cfg.BackupDirectory)
	}
	if cfg.ThresholdBytes() != int64(2.5*policy.BytesPerMB) || cfg.Retry.MaxAttempts != 4 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Processing.BudgetMB != 20 || !cfg.Processing.CreateBackups {
		t.Errorf("processing = %+v", cfg.Processing)
	}
	ladder, err := cfg.PolicyTable()
	if err != nil {
		t.Fatal(err)
	}
	if got := ladder.Select(5); got != (policy.Params{Quality: 80, MaxWidth: 1600}) {
		t.Errorf("Select(5) = %s", got)
	}
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("policy: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
