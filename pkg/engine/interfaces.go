package engine

import (
	"context"
	"sync"
)

// Handler converges one resource type.
// Handlers are registered in a Registry under a type name and are invoked concurrently
// for independent definitions, so implementations must be safe for concurrent use.
type Handler interface {
	// Validate checks the parameters of a definition before anything is applied.
	// A returned error fails only the node being validated.
	Validate(params map[string]interface{}) error

	// Apply converges the resource described by req.Definition.
	// Returning an error, or a result with Success=false, fails the node.
	Apply(ctx context.Context, req *ApplyRequest) (ExecutionResult, error)
}

// HandlerFunc adapts an apply function with no parameter validation to a Handler.
type HandlerFunc func(ctx context.Context, req *ApplyRequest) (ExecutionResult, error)

// Validate accepts any parameters.
func (f HandlerFunc) Validate(map[string]interface{}) error { return nil }

// Apply calls f.
func (f HandlerFunc) Apply(ctx context.Context, req *ApplyRequest) (ExecutionResult, error) {
	return f(ctx, req)
}

// Backupper snapshots a path before it is mutated.
type Backupper interface {
	// Backup copies path into the backup area for runID.
	Backup(ctx context.Context, runID, path string) (BackupRecord, error)
}

// Observer receives run lifecycle notifications from the converger.
// The returned contexts allow observers to attach spans or loggers that flow into handlers.
type Observer interface {
	// RunStarted is called once the graph is built and before the first node runs.
	RunStarted(ctx context.Context, run Run) context.Context

	// NodeStarted is called before a node's handler is invoked.
	NodeStarted(ctx context.Context, runID string, def Definition) context.Context

	// NodeFinished is called once per node with its terminal result, including nodes
	// that were skipped or cancelled.
	NodeFinished(ctx context.Context, runID string, result NodeResult)

	// RunFinished is called with the final report.
	RunFinished(ctx context.Context, report *RunReport)
}

// Preflight inspects a built graph before any handler runs.
// Returning an error aborts the run without mutating anything.
type Preflight interface {
	Check(ctx context.Context, graph *Graph) error
}

// PreflightFunc adapts a function to a Preflight.
type PreflightFunc func(ctx context.Context, graph *Graph) error

// Check calls f.
func (f PreflightFunc) Check(ctx context.Context, graph *Graph) error {
	return f(ctx, graph)
}

// ApplyRequest is passed to Handler.Apply.
type ApplyRequest struct {
	// RunID identifies the run. Backups taken through BackupPath are keyed by it.
	RunID string

	// Definition is the definition being applied.
	Definition Definition

	// DryRun asks the handler to report what it would change without changing it.
	DryRun bool

	backupper Backupper
	mu        sync.Mutex
	backups   []BackupRecord
}

// NewApplyRequest creates a request for def. A nil backupper disables backups.
func NewApplyRequest(runID string, def Definition, dryRun bool, backupper Backupper) *ApplyRequest {
	return &ApplyRequest{
		RunID:      runID,
		Definition: def,
		DryRun:     dryRun,
		backupper:  backupper,
	}
}

// BackupPath snapshots path under the current run before the handler mutates it.
// It is a no-op in dry-run mode or when the converger has no backupper.
func (r *ApplyRequest) BackupPath(ctx context.Context, path string) error {
	if r.DryRun || r.backupper == nil {
		return nil
	}

	record, err := r.backupper.Backup(ctx, r.RunID, path)
	if err != nil {
		return NewPermanentError("failed to back up "+path, err).
			WithCode(ErrCodeBackupFailed).
			WithResource(r.Definition.Ref().String()).
			WithOperation("backup")
	}

	r.mu.Lock()
	r.backups = append(r.backups, record)
	r.mu.Unlock()
	return nil
}

// Backups returns the snapshots taken so far.
func (r *ApplyRequest) Backups() []BackupRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BackupRecord(nil), r.backups...)
}
