package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"image-shrinker/internal/config"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LoggerConfig{Level: "debug", Console: &buf})
	if err != nil {
		t.Fatal(err)
	}

	WithFile(l, "img/a.png").Debug("inspecting")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "inspecting" || entry["level"] != "debug" || entry["file"] != "img/a.png" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	l, err := NewLogger(LoggerConfig{Level: "info", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	WithRun(l, "run-1", "compress").Info("started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"run_id":"run-1"`)) {
		t.Errorf("log file = %s", data)
	}
}

func TestResolveLevel(t *testing.T) {
	cases := []struct {
		configured     string
		verbose, quiet bool
		want           string
	}{
		{"info", true, false, "debug"},
		{"debug", false, true, "error"},
		{"WARN", false, false, "warn"},
		{"", false, false, "info"},
	}
	for _, c := range cases {
		if got := ResolveLevel(c.configured, c.verbose, c.quiet); got != c.want {
			t.Errorf("ResolveLevel(%q, %v, %v) = %q, want %q", c.configured, c.verbose, c.quiet, got, c.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	lc := FromConfig(config.LoggingConfig{Level: "INFO", FilePath: "x.log", MaxSize: 5}, false)
	if lc.Level != "info" || lc.FilePath != "x.log" || lc.MaxSize != 5 || lc.Console != nil {
		t.Errorf("config = %+v", lc)
	}
	l, err := NewLogger(LoggerConfig{Level: lc.Level})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %s", l.GetLevel())
	}
}
