package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/backup"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/handlers"
	"github.com/openfroyo/converge/pkg/modules"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// appOptions are per-command overrides of the settings file.
type appOptions struct {
	backupRoot  string
	concurrency int
	noPolicy    bool
	noStore     bool
	metrics     bool
}

// app holds the components shared by the commands.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger

	store    *stores.SQLiteStore // nil when history is disabled
	backups  *backup.Manager
	registry *engine.Registry
	policies *policy.Engine // nil when --no-policy
	loader   *modules.Loader
}

// loadSettings reads the settings file named by --config, or the default one.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		path = config.DefaultSettingsPath
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}

	if env := os.Getenv("LOG_LEVEL"); env != "" {
		settings.Telemetry.LogLevel = env
	}
	if logLevel != "" {
		settings.Telemetry.LogLevel = logLevel
	}
	if logFormat != "" {
		settings.Telemetry.LogFormat = logFormat
	}
	if verbose {
		settings.Telemetry.LogLevel = "debug"
	}
	return settings, nil
}

func telemetryConfig(s *config.Settings, metrics bool) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.Telemetry.LogLevel
	cfg.Logging.Format = s.Telemetry.LogFormat
	cfg.Tracing.Exporter = s.Telemetry.Tracing
	cfg.Tracing.Endpoint = s.Telemetry.OTLPEndpoint
	if s.Telemetry.Tracing == "stdout" {
		// keep stdout for command output
		cfg.Tracing.Writer = os.Stderr
	}
	cfg.Metrics.Enabled = metrics && s.Telemetry.MetricsListen != ""
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsListen
	return cfg
}

// newApp wires settings, telemetry, the store, backups, handlers and policies.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if opts.backupRoot != "" {
		settings.BackupRoot = opts.backupRoot
	}
	if opts.concurrency > 0 {
		settings.Concurrency = opts.concurrency
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, opts.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger

	a := &app{
		settings: settings,
		tel:      tel,
		logger:   logger,
		registry: engine.NewRegistry(),
	}

	if settings.StatePath != "" && !opts.noStore {
		store, err := stores.Open(ctx, settings.StatePath)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to open state database: %w", err)
		}
		a.store = store
		tel.Events.Subscribe(stores.EventSink(store, logger))
	}

	var catalog backup.Catalog
	if a.store != nil {
		catalog = a.store
	}
	if a.backups, err = backup.NewManager(settings.BackupRoot, catalog, logger); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if err := handlers.RegisterBuiltins(a.registry, handlers.Options{Logger: logger}); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if !opts.noPolicy {
		var policyOpts []policy.Option
		if settings.DisableBuiltinPolicies {
			policyOpts = append(policyOpts, policy.WithoutBuiltins())
		}
		if a.policies, err = policy.NewEngine(logger, policyOpts...); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to initialize policies: %w", err)
		}
		if len(settings.PolicyPaths) > 0 {
			if err := a.policies.LoadPolicies(ctx, settings.PolicyPaths); err != nil {
				a.Close(ctx)
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
	}

	fetcher := modules.NewFetcher(modules.FetcherConfig{
		Timeout:     settings.Fetch.Timeout,
		MaxAttempts: settings.Fetch.MaxAttempts,
	}, logger)
	a.loader = modules.NewLoader(fetcher, config.NewCUEParser(), logger)

	return a, nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) {
	// events drain into the store, so shut telemetry down first
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close state database")
		}
	}
}

// parseBundleLocation accepts URLs, absolute paths and paths relative to the working directory.
func parseBundleLocation(arg string) (modules.Location, error) {
	if !strings.Contains(arg, "://") && !filepath.IsAbs(arg) {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return modules.Location{}, err
		}
		arg = abs
	}
	return modules.ParseLocation(arg)
}

// load resolves a bundle and its imports into definitions.
func (a *app) load(ctx context.Context, bundle string) ([]engine.Definition, modules.Location, error) {
	root, err := parseBundleLocation(bundle)
	if err != nil {
		return nil, root, err
	}

	result, err := a.loader.Load(ctx, root)
	if err != nil {
		return nil, root, err
	}

	a.logger.Debug().
		Str("bundle", root.String()).
		Int("modules", len(result.Locations)).
		Int("definitions", len(result.Definitions)).
		Msg("Bundle loaded")
	return result.Definitions, root, nil
}

// converger builds a converger for one bundle.
func (a *app) converger(source string, dryRun bool) *engine.Converger {
	observers := []engine.Observer{a.tel.Observer()}
	if a.store != nil && !dryRun {
		observers = append(observers, stores.NewRecorder(a.store, source, a.logger))
	}

	var preflight []engine.Preflight
	if a.policies != nil {
		preflight = append(preflight, policy.NewGate(a.policies, dryRun, a.logger))
	}

	return engine.NewConverger(engine.ConvergerConfig{
		Registry:    a.registry,
		Backupper:   telemetry.InstrumentBackupper(a.backups, a.tel.Metrics),
		Concurrency: a.settings.Concurrency,
		Observers:   observers,
		Preflight:   preflight,
		Logger:      a.logger,
		DryRun:      dryRun,
	})
}

// requireStore fails when run history is disabled.
func (a *app) requireStore() error {
	if a.store == nil {
		return fmt.Errorf("run history is disabled: set state_path in %s", settingsPathForDisplay())
	}
	return nil
}

func settingsPathForDisplay() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultSettingsPath
}
