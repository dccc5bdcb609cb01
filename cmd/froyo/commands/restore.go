package commands

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupRoot string
		match      string
	)

	cmd := &cobra.Command{
		Use:   "restore <run-id> [path...]",
		Short: "Restore files changed by a run",
		Long: `Put files back as they were before a run changed them.

Every file a handler changes is backed up first under the run's ID. With no
paths, every file of the run is restored; files the run created are removed.
Restore never runs automatically, even when a run fails.

When the state database knows a backup, its checksum is verified before the
file is written back.`,
		Example: `  # Undo a whole run
  froyo restore 20250101T120000Z-9f0c...

  # Restore two files
  froyo restore 20250101T120000Z-9f0c... /etc/nginx/nginx.conf /etc/motd

  # Restore everything under /etc/nginx
  froyo restore 20250101T120000Z-9f0c... --match '/etc/nginx/**'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID, paths := args[0], args[1:]

			if len(paths) > 0 && match != "" {
				return fmt.Errorf("--match cannot be combined with explicit paths")
			}
			if err := engine.ValidateRunID(runID); err != nil {
				return err
			}

			a, err := newApp(ctx, appOptions{backupRoot: backupRoot, noPolicy: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			log.Info().
				Str("run_id", runID).
				Strs("paths", paths).
				Str("match", match).
				Msg("Restoring from backup")

			out := cmd.OutOrStdout()

			if len(paths) > 0 {
				var result *multierror.Error
				for _, p := range paths {
					if err := a.backups.Restore(ctx, runID, p); err != nil {
						result = multierror.Append(result, err)
						continue
					}
					fmt.Fprintf(out, "✓ restored %s\n", p)
				}
				return result.ErrorOrNil()
			}

			restored, err := a.backups.RestoreMatching(ctx, runID, match)
			for _, rec := range restored {
				if rec.Existed {
					fmt.Fprintf(out, "✓ restored %s\n", rec.OriginalPath)
				} else {
					fmt.Fprintf(out, "✓ removed %s (created by the run)\n", rec.OriginalPath)
				}
			}
			if err != nil {
				return err
			}
			if len(restored) == 0 {
				fmt.Fprintln(out, "Nothing to restore")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "backup directory (default from settings)")
	cmd.Flags().StringVar(&match, "match", "", "only restore paths matching this glob ('**' crosses directories)")

	return cmd
}
