package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

// planOutput is the JSON form of a plan.
type planOutput struct {
	Order  []string          `json:"order"`
	Levels [][]string        `json:"levels"`
	Report *engine.RunReport `json:"report"`
}

func newPlanCommand() *cobra.Command {
	var (
		dot      bool
		noPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "plan <bundle>",
		Short: "Show what apply would do",
		Long: `Show the convergence order of a bundle and the changes apply would make.

The plan is a dry run: handlers inspect the host and report diffs but change
nothing, no backups are taken and nothing is recorded in the run history.

Levels group resources that can converge concurrently; every resource in a
level depends only on resources in earlier levels.`,
		Example: `  # Show the plan
  froyo plan ./site.cue

  # Render the dependency graph
  froyo plan ./site.cue --dot | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{noPolicy: noPolicy, noStore: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			defs, root, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}

			runID := engine.NewRunID()
			ctx = engine.ContextWithRunID(ctx, runID)

			conv := a.converger(root.String(), true)
			graph, err := conv.Prepare(ctx, defs)
			if err != nil {
				return describe(err)
			}

			out := cmd.OutOrStdout()
			if dot {
				fmt.Fprint(out, graph.ToDOT())
				return nil
			}

			report, err := conv.Execute(ctx, runID, graph)
			if err != nil {
				return err
			}

			if jsonOutput {
				plan := planOutput{Report: report}
				for _, def := range graph.Order() {
					plan.Order = append(plan.Order, def.Ref().String())
				}
				for _, level := range graph.Levels() {
					plan.Levels = append(plan.Levels, refStrings(level))
				}
				return printJSON(out, plan)
			}

			fmt.Fprintf(out, "Bundle %s: %d resources in %d levels\n\n", root, graph.Len(), graph.Depth())
			for i, level := range graph.Levels() {
				fmt.Fprintf(out, "  %d. %s\n", i+1, strings.Join(refStrings(level), ", "))
			}
			fmt.Fprintln(out)

			printReport(out, report, true)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz format and exit")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")

	return cmd
}

func refStrings(refs []engine.Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}
