package commands

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var noPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Validate a bundle without touching the host",
		Long: `Validate a bundle and everything it imports.

This command checks:
  - CUE syntax and resource schemas
  - Duplicate definitions, missing dependencies and cycles
  - That every resource type has a handler
  - Handler parameters of every resource
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a bundle
  froyo validate ./site.cue

  # Validate without policies
  froyo validate ./site.cue --no-policy`,
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

			ctx = engine.ContextWithRunID(ctx, engine.NewRunID())
			graph, err := a.converger(root.String(), true).Prepare(ctx, defs)
			if err != nil {
				return describe(err)
			}

			var result *multierror.Error
			for _, def := range graph.Order() {
				handler, err := a.registry.Lookup(def.Type)
				if err != nil {
					result = multierror.Append(result, err)
					continue
				}
				if err := handler.Validate(def.Parameters); err != nil {
					result = multierror.Append(result, engine.NewInvalidParameterError(def.Ref(), err))
				}
			}
			if err := result.ErrorOrNil(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d resources, %d types, valid\n", root, graph.Len(), len(graph.Types()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")

	return cmd
}
