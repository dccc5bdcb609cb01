package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

func newAgentCommand() *cobra.Command {
	var (
		interval    time.Duration
		concurrency int
		backupRoot  string
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "agent <bundle>",
		Short: "Converge a bundle periodically",
		Long: `Run in the foreground and converge a bundle on an interval.

The bundle and its imports are loaded again on every pass, so changes are
picked up without a restart. Custom policies are reloaded when their files
change. Prometheus metrics are served on telemetry.metrics_listen.

A failed pass is logged and retried on the next tick. The agent stops on
SIGINT or SIGTERM after the current pass finishes cancelling.`,
		Example: `  # Converge every 30 minutes (the default)
  froyo agent /etc/froyo/site.cue

  # Converge every 5 minutes
  froyo agent /etc/froyo/site.cue --interval 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{
				backupRoot:  backupRoot,
				concurrency: concurrency,
				metrics:     true,
			})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if interval <= 0 {
				interval = a.settings.Agent.Interval
			}

			if a.tel.Metrics.Enabled() {
				addr, err := a.tel.Metrics.StartMetricsServer(ctx, a.logger)
				if err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				a.logger.Info().Str("address", addr).Msg("Serving metrics")
			}

			if a.policies != nil {
				go func() {
					if err := a.policies.Watch(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Error().Err(err).Msg("Policy watcher stopped")
					}
				}()
			}

			a.logger.Info().
				Str("bundle", args[0]).
				Dur("interval", interval).
				Msg("Agent started")

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				a.pass(ctx, args[0])
				if once {
					return nil
				}

				select {
				case <-ctx.Done():
					a.logger.Info().Msg("Agent stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes (default from settings)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum resources converged at once (default from settings)")
	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "backup directory (default from settings)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")

	return cmd
}

// pass loads the bundle and converges it once. Failures are logged only.
func (a *app) pass(ctx context.Context, bundle string) {
	defs, root, err := a.load(ctx, bundle)
	if err != nil {
		a.logger.Error().Err(err).Str("bundle", bundle).Msg("Failed to load bundle")
		return
	}

	report, err := a.converger(root.String(), false).Run(ctx, defs)
	if err != nil {
		a.logger.Error().Err(describe(err)).Str("bundle", root.String()).Msg("Run rejected")
		return
	}

	event := a.logger.Info()
	if report.Status != engine.RunStatusCompleted {
		event = a.logger.Warn()
	}
	event.
		Str("run_id", report.RunID).
		Str("status", string(report.Status)).
		Int("changed", report.Summary.Changed).
		Int("failed", report.Summary.Failed).
		Dur("duration", report.Duration).
		Msg("Pass finished")
}
