package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings_Valid(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("Expected default settings to be valid, got: %v", err)
	}
}

func TestLoadSettings_MissingFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s.Concurrency != DefaultSettings().Concurrency {
		t.Errorf("Expected default concurrency, got: %d", s.Concurrency)
	}
}

func TestLoadSettings_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
backup_root: /srv/froyo/backups
concurrency: 8
policy_paths: [/etc/froyo/policies]
fetch:
  timeout: 5s
agent:
  interval: 10m
telemetry:
  log_level: debug
  tracing: otlp
  otlp_endpoint: collector:4317
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if s.BackupRoot != "/srv/froyo/backups" {
		t.Errorf("Expected backup root override, got: %s", s.BackupRoot)
	}
	if s.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got: %d", s.Concurrency)
	}
	if s.Fetch.Timeout != 5*time.Second {
		t.Errorf("Expected fetch timeout 5s, got: %s", s.Fetch.Timeout)
	}
	if s.Fetch.MaxAttempts != 4 {
		t.Errorf("Expected default max attempts to survive, got: %d", s.Fetch.MaxAttempts)
	}
	if s.Agent.Interval != 10*time.Minute {
		t.Errorf("Expected agent interval 10m, got: %s", s.Agent.Interval)
	}
	if s.Telemetry.LogFormat != "console" {
		t.Errorf("Expected default log format, got: %s", s.Telemetry.LogFormat)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "relative backup root", content: "backup_root: backups\n"},
		{name: "zero concurrency", content: "concurrency: 0\n"},
		{name: "too much concurrency", content: "concurrency: 1000\n"},
		{name: "unknown log level", content: "telemetry: {log_level: loud}\n"},
		{name: "otlp without endpoint", content: "telemetry: {tracing: otlp}\n"},
		{name: "malformed yaml", content: "concurrency: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadSettings(path); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
