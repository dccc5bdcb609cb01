package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsPath is where the CLI looks for settings when none are given.
const DefaultSettingsPath = "/etc/froyo/settings.yaml"

// Settings holds the operator configuration of the convergence engine.
type Settings struct {
	// BackupRoot is the directory backups are written under.
	BackupRoot string `yaml:"backup_root" validate:"required,startswith=/"`

	// StatePath is the SQLite database for run history. Empty disables the store.
	StatePath string `yaml:"state_path" validate:"omitempty,startswith=/"`

	// Concurrency bounds how many handlers run at once.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=256"`

	// PolicyPaths are additional .rego or .json files or directories.
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// DisableBuiltinPolicies turns off the built-in policy set.
	DisableBuiltinPolicies bool `yaml:"disable_builtin_policies"`

	Fetch     FetchSettings     `yaml:"fetch"`
	Agent     AgentSettings     `yaml:"agent"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// FetchSettings configures remote module fetching.
type FetchSettings struct {
	Timeout     time.Duration `yaml:"timeout" validate:"min=0"`
	MaxAttempts uint          `yaml:"max_attempts" validate:"min=1,max=20"`
}

// AgentSettings configures the periodic convergence loop.
type AgentSettings struct {
	Interval time.Duration `yaml:"interval" validate:"min=1000000000"`
}

// TelemetrySettings configures logging, tracing and metrics.
type TelemetrySettings struct {
	LogLevel      string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat     string `yaml:"log_format" validate:"oneof=console json"`
	Tracing       string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	MetricsListen string `yaml:"metrics_listen"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		BackupRoot:  "/var/lib/froyo/backups",
		StatePath:   "/var/lib/froyo/state.db",
		Concurrency: 4,
		Fetch: FetchSettings{
			Timeout:     30 * time.Second,
			MaxAttempts: 4,
		},
		Agent: AgentSettings{
			Interval: 30 * time.Minute,
		},
		Telemetry: TelemetrySettings{
			LogLevel:      "info",
			LogFormat:     "console",
			Tracing:       "none",
			MetricsListen: ":9464",
		},
	}
}

// LoadSettings reads settings from a YAML file over the defaults.
// A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}
