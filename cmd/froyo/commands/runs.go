package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
		Long:  `Inspect the runs recorded in the state database.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{noPolicy: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.requireStore(); err != nil {
				return err
			}

			runs, err := a.store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			t := newTable(out, "Run", "Started", "Status", "Resources", "Changed", "Source")
			for _, run := range runs {
				var summary engine.RunSummary
				if run.Summary != "" {
					_ = json.Unmarshal([]byte(run.Summary), &summary)
				}
				status := string(run.Status)
				if run.DryRun {
					status += " (dry run)"
				}
				t.AppendRow(table.Row{run.ID, humanize.Time(run.StartedAt), status, run.Total, summary.Changed, run.Source})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

// runDetail is the JSON form of runs show.
type runDetail struct {
	Run     *stores.Run            `json:"run"`
	Results []*stores.NodeResult   `json:"results"`
	Backups []*engine.BackupRecord `json:"backups"`
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-resource results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{noPolicy: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.requireStore(); err != nil {
				return err
			}

			run, err := a.store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			results, err := a.store.ListNodeResults(ctx, run.ID)
			if err != nil {
				return err
			}
			backups, err := a.store.ListBackups(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, runDetail{Run: run, Results: results, Backups: backups})
			}

			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Source:  %s\n", run.Source)
			fmt.Fprintf(out, "Status:  %s\n", run.Status)
			fmt.Fprintf(out, "Started: %s (%s)\n", run.StartedAt.Local().Format(time.RFC3339), humanize.Time(run.StartedAt))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "Took:    %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:   %s\n", *run.Error)
			}
			fmt.Fprintln(out)

			t := newTable(out, "", "Resource", "Status", "Duration", "Message")
			for _, r := range results {
				msg := r.Message
				if r.ErrorCode != nil {
					msg = fmt.Sprintf("[%s] %s", *r.ErrorCode, msg)
				}
				t.AppendRow(table.Row{
					statusMarks[r.Status],
					engine.Ref{Type: r.ResourceType, Name: r.ResourceName}.String(),
					r.Status,
					time.Duration(r.DurationMS) * time.Millisecond,
					firstLine(msg),
				})
			}
			t.Render()

			if len(backups) > 0 {
				fmt.Fprintf(out, "\nBackups (%d):\n", len(backups))
				printBackupRecords(out, backups)
			}
			return nil
		},
	}

	return cmd
}
