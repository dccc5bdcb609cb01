package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Recorder persists the run lifecycle to a Store. It implements engine.Observer.
// Store failures are logged and never fail the run.
type Recorder struct {
	store  Store
	source string
	logger zerolog.Logger

	mu        sync.Mutex
	positions map[string]int // next position per active run
}

// NewRecorder creates a recorder. source is the root module location stored with each run.
func NewRecorder(store Store, source string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:     store,
		source:    source,
		logger:    logger.With().Str("component", "recorder").Logger(),
		positions: make(map[string]int),
	}
}

// RunStarted creates the run record.
func (r *Recorder) RunStarted(ctx context.Context, run engine.Run) context.Context {
	r.mu.Lock()
	r.positions[run.ID] = 0
	r.mu.Unlock()

	err := r.store.CreateRun(ctx, &Run{
		ID:        run.ID,
		Source:    r.source,
		Status:    run.Status,
		DryRun:    run.DryRun,
		Total:     run.Total,
		StartedAt: run.StartedAt,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
	return ctx
}

// NodeStarted implements engine.Observer.
func (r *Recorder) NodeStarted(ctx context.Context, _ string, _ engine.Definition) context.Context {
	return ctx
}

// NodeFinished stores the node's terminal result. Nodes finish after their
// dependencies, so the finish order is a topological order.
func (r *Recorder) NodeFinished(ctx context.Context, runID string, result engine.NodeResult) {
	r.mu.Lock()
	position := r.positions[runID]
	r.positions[runID] = position + 1
	r.mu.Unlock()

	row := &NodeResult{
		RunID:        runID,
		Position:     position,
		ResourceType: result.Ref.Type,
		ResourceName: result.Ref.Name,
		Source:       result.Source,
		Status:       result.Status,
		Message:      result.Result.Message,
		DurationMS:   result.Duration.Milliseconds(),
	}
	if result.Result.Diff != "" {
		diff := result.Result.Diff
		row.Diff = &diff
	}
	if result.Error != nil {
		code, msg := result.Error.Code, result.Error.Error()
		row.ErrorCode, row.Error = &code, &msg
	}
	if !result.StartedAt.IsZero() {
		started := result.StartedAt.UTC()
		row.StartedAt = &started
	}

	if err := r.store.SaveNodeResult(ctx, row); err != nil {
		r.logger.Error().Err(err).
			Str("run_id", runID).
			Str("resource", result.Ref.String()).
			Msg("Failed to record node result")
	}
}

// RunFinished stores the terminal status and summary.
func (r *Recorder) RunFinished(ctx context.Context, report *engine.RunReport) {
	r.mu.Lock()
	delete(r.positions, report.RunID)
	r.mu.Unlock()

	var errMsg *string
	if report.Status != engine.RunStatusCompleted {
		msg := "run " + string(report.Status)
		errMsg = &msg
	}

	if err := r.store.FinishRun(ctx, report.RunID, report.Status, report.Summary, errMsg); err != nil {
		r.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to record run completion")
	}
}
