package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		backupRoot string
		statePath  string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file and prepare the data directories",
		Long: `Write a settings file with the default values, create the backup
directory and migrate the state database.

An existing settings file is left alone unless --force is given.`,
		Example: `  # Initialize with the default locations
  froyo init

  # Initialize a workspace for an unprivileged user
  froyo init --config ~/.config/froyo/settings.yaml \
    --backup-root ~/.local/share/froyo/backups \
    --state-path ~/.local/share/froyo/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := settingsPathForDisplay()

			settings := config.DefaultSettings()
			if backupRoot != "" {
				settings.BackupRoot = backupRoot
			}
			if statePath != "" {
				settings.StatePath = statePath
			}
			if err := settings.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}

			log.Debug().
				Str("settings", path).
				Str("backup_root", settings.BackupRoot).
				Str("state_path", settings.StatePath).
				Msg("Initializing")

			_, err := os.Stat(path)
			switch {
			case err == nil && !force:
				fmt.Fprintf(out, "- Settings file %s exists, keeping it (use --force to overwrite)\n", path)
				if settings, err = config.LoadSettings(path); err != nil {
					return err
				}
			case err == nil || errors.Is(err, fs.ErrNotExist):
				if err := writeSettings(path, settings); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Wrote settings: %s\n", path)
			default:
				return err
			}

			if err := os.MkdirAll(settings.BackupRoot, 0o700); err != nil {
				return fmt.Errorf("failed to create backup root: %w", err)
			}
			fmt.Fprintf(out, "✓ Backup root: %s\n", settings.BackupRoot)

			if settings.StatePath != "" {
				if err := os.MkdirAll(filepath.Dir(settings.StatePath), 0o700); err != nil {
					return fmt.Errorf("failed to create state directory: %w", err)
				}
				store, err := stores.Open(ctx, settings.StatePath)
				if err != nil {
					return fmt.Errorf("failed to initialize state database: %w", err)
				}
				if err := store.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ State database: %s\n", settings.StatePath)
			}

			fmt.Fprintln(out, "\nNext: froyo plan <bundle>")
			return nil
		},
	}

	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "backup directory to write into the settings")
	cmd.Flags().StringVar(&statePath, "state-path", "", "state database path to write into the settings")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	return cmd
}

func writeSettings(path string, settings *config.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	header := []byte("# froyo settings\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
