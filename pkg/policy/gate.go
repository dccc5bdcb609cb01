package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Gate evaluates a built graph before anything is applied. It implements
// engine.Preflight: a blocking violation aborts the run with POLICY_VIOLATION.
type Gate struct {
	engine *Engine
	dryRun bool
	logger zerolog.Logger
}

// NewGate creates a gate over eng. dryRun is passed to policies as context.dry_run.
func NewGate(eng *Engine, dryRun bool, logger zerolog.Logger) *Gate {
	return &Gate{
		engine: eng,
		dryRun: dryRun,
		logger: logger.With().Str("component", "policy-gate").Logger(),
	}
}

// Check implements engine.Preflight.
func (g *Gate) Check(ctx context.Context, graph *engine.Graph) error {
	runID := engine.RunIDFromContext(ctx)

	result, err := g.engine.Evaluate(ctx, graph.Order(), Context{RunID: runID, DryRun: g.dryRun})
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(ErrCodeEvaluation).
			WithOperation("policy")
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("run_id", runID).
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		g.logger.Error().
			Str("run_id", runID).
			Str("policy", v.Policy).
			Str("resource", v.Resource).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	first := result.Violations[0]
	msg := fmt.Sprintf("%d policy violation(s): %s", len(result.Violations), first.Message)
	return engine.NewPermanentError(msg, &ViolationError{Violations: result.Violations}).
		WithCode(engine.ErrCodePolicyViolation).
		WithResource(first.Resource).
		WithOperation("policy").
		WithDetail("policy", first.Policy)
}

// ErrCodeEvaluation marks a policy engine failure as opposed to a violation.
const ErrCodeEvaluation = "POLICY_EVALUATION_FAILED"

// ViolationError carries the blocking violations of a rejected run.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%s: %s", e.Violations[0].Policy, e.Violations[0].Message)
	}
	return fmt.Sprintf("%d policy violations", len(e.Violations))
}

// Violations returns the blocking violations carried by err, if any.
func Violations(err error) []Violation {
	var ve *ViolationError
	if errors.As(err, &ve) {
		return ve.Violations
	}
	return nil
}
