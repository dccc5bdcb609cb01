package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/openfroyo/converge/pkg/engine"
)

var statusMarks = map[engine.NodeStatus]string{
	engine.NodeStatusSucceeded: "✓",
	engine.NodeStatusFailed:    "✗",
	engine.NodeStatusSkipped:   "-",
	engine.NodeStatusCancelled: "!",
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a borderless table that renders to w.
func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row(header))
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

// printReport writes a per-node report. Diffs are shown when showDiffs is set.
func printReport(w io.Writer, report *engine.RunReport, showDiffs bool) {
	mode := "Run"
	if report.DryRun {
		mode = "Dry run"
	}
	fmt.Fprintf(w, "%s %s: %s in %s\n\n", mode, report.RunID, report.Status, report.Duration.Round(time.Millisecond))

	t := newTable(w, "", "Resource", "Status", "Changed", "Message")
	for _, r := range report.Results {
		changed := ""
		if r.Result.Changed() {
			changed = "yes"
		}
		t.AppendRow(table.Row{statusMarks[r.Status], r.Ref.String(), r.Status, changed, firstLine(r.Result.Message)})
	}
	t.Render()

	if showDiffs {
		for _, r := range report.Results {
			if !r.Result.Changed() {
				continue
			}
			fmt.Fprintf(w, "\n--- %s\n%s\n", r.Ref, strings.TrimRight(r.Result.Diff, "\n"))
		}
	}

	s := report.Summary
	fmt.Fprintf(w, "\n%d resources: %d succeeded, %d failed, %d skipped, %d cancelled, %d changed\n",
		s.Total, s.Succeeded, s.Failed, s.Skipped, s.Cancelled, s.Changed)

	if backups := report.Backups(); len(backups) > 0 {
		var size int64
		for _, b := range backups {
			size += b.Size
		}
		fmt.Fprintf(w, "%d file(s) backed up (%s). Undo with: froyo restore %s\n",
			len(backups), humanize.Bytes(uint64(size)), report.RunID)
	}
}

func printBackupRecords(w io.Writer, records []*engine.BackupRecord) {
	t := newTable(w, "Path", "Existed", "Size", "Modified", "Checksum")
	for _, rec := range records {
		size, modified, sum := "-", "-", "-"
		if rec.Existed {
			size = humanize.Bytes(uint64(rec.Size))
			modified = humanize.Time(rec.ModTime)
			if len(rec.Checksum) >= 12 {
				sum = rec.Checksum[:12]
			}
		}
		t.AppendRow(table.Row{rec.OriginalPath, rec.Existed, size, modified, sum})
	}
	t.Render()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// runIDLayout is the timestamp prefix of engine.NewRunID.
const runIDLayout = "20060102T150405Z"

// runIDTime extracts the timestamp prefix of a run ID.
func runIDTime(runID string) (time.Time, bool) {
	if len(runID) < len(runIDLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(runIDLayout, runID[:len(runIDLayout)])
	return t, err == nil
}
