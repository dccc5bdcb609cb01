package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// backupRun is one row of the run listing.
type backupRun struct {
	RunID string `json:"run_id"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

func newBackupsCommand() *cobra.Command {
	var backupRoot string

	cmd := &cobra.Command{
		Use:   "backups [run-id]",
		Short: "List backups",
		Long:  `List the runs that have backups, or the backups taken during one run.`,
		Example: `  # Runs with backups, oldest first
  froyo backups

  # Files backed up by one run
  froyo backups 20250101T120000Z-9f0c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{backupRoot: backupRoot, noPolicy: true, noStore: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				records, err := a.backups.Records(args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, records)
				}
				printBackupRecords(out, records)
				return nil
			}

			runIDs, err := a.backups.Runs()
			if err != nil {
				return err
			}

			runs := make([]backupRun, 0, len(runIDs))
			for _, id := range runIDs {
				records, err := a.backups.Records(id)
				if err != nil {
					a.logger.Warn().Err(err).Str("run_id", id).Msg("Skipping unreadable run")
					continue
				}
				run := backupRun{RunID: id, Files: len(records)}
				for _, rec := range records {
					run.Bytes += rec.Size
				}
				runs = append(runs, run)
			}

			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintf(out, "No backups under %s\n", a.backups.Root())
				return nil
			}

			t := newTable(out, "Run", "Age", "Files", "Size")
			for _, run := range runs {
				age := "-"
				if t, ok := runIDTime(run.RunID); ok {
					age = humanize.Time(t)
				}
				t.AppendRow(table.Row{run.RunID, age, run.Files, humanize.Bytes(uint64(run.Bytes))})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "backup directory (default from settings)")

	return cmd
}
