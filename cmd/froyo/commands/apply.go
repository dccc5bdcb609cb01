package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		concurrency int
		backupRoot  string
		dryRun      bool
		noPolicy    bool
		showDiff    bool
	)

	cmd := &cobra.Command{
		Use:   "apply <bundle>",
		Short: "Converge the host to a bundle",
		Long: `Converge the host to the state declared in a bundle.

This command:
  - Loads the bundle and everything it imports
  - Builds the dependency graph (conflicts, missing dependencies and cycles abort)
  - Checks that every resource type has a handler
  - Evaluates policies; a blocking violation aborts before anything changes
  - Applies independent resources concurrently, backing up files before changing them
  - Records the run in the state database

The exit status is non-zero unless every resource converged.`,
		Example: `  # Converge a local bundle
  froyo apply ./site.cue

  # Converge a remote bundle with at most 2 concurrent handlers
  froyo apply https://config.example.com/site.cue --concurrency 2

  # Show what would change
  froyo apply ./site.cue --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{
				backupRoot:  backupRoot,
				concurrency: concurrency,
				noPolicy:    noPolicy,
			})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			defs, root, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}

			log.Info().
				Str("bundle", root.String()).
				Int("definitions", len(defs)).
				Int("concurrency", a.settings.Concurrency).
				Bool("dry_run", dryRun).
				Msg("Applying bundle")

			report, err := a.converger(root.String(), dryRun).Run(ctx, defs)
			if err != nil {
				return describe(err)
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report, showDiff || dryRun)
			}

			if report.Status != engine.RunStatusCompleted {
				return &exitError{
					code: ExitRunFailed,
					err:  fmt.Errorf("run %s %s", report.RunID, report.Status),
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent handlers (default from settings)")
	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "backup directory (default from settings)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without making them")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the diff of every changed resource")

	return cmd
}
