package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// ConvergerConfig configures a Converger.
type ConvergerConfig struct {
	// Registry resolves resource types to handlers. It is frozen when execution begins.
	Registry *Registry

	// Backupper snapshots paths before handlers mutate them. Nil disables backups.
	Backupper Backupper

	// Concurrency bounds the number of handlers running at once.
	Concurrency int

	// Observers receive run and node lifecycle notifications.
	Observers []Observer

	// Preflight hooks run after the graph is built and before anything is mutated.
	Preflight []Preflight

	// Logger is the component logger. The zero value logs nothing.
	Logger zerolog.Logger

	// DryRun asks handlers to report changes without making them.
	DryRun bool
}

// Converger applies a graph of definitions.
// Nodes are executed by a bounded worker pool fed from a ready queue: a node becomes ready
// once every one of its dependencies has succeeded. A failed node causes its transitive
// dependents to be skipped; unrelated nodes keep running.
type Converger struct {
	cfg    ConvergerConfig
	logger zerolog.Logger
}

// NewConverger creates a new converger.
func NewConverger(cfg ConvergerConfig) *Converger {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Converger{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "converger").Logger(),
	}
}

// Run performs one convergence run: it generates a run ID, builds and validates the graph,
// runs the preflight hooks and executes the graph.
// Build, type and preflight errors are returned before anything is mutated; in that case
// the report is nil. Per-node failures are recorded in the report instead.
func (c *Converger) Run(ctx context.Context, defs []Definition) (*RunReport, error) {
	runID := NewRunID()
	ctx = ContextWithRunID(ctx, runID)

	graph, err := c.Prepare(ctx, defs)
	if err != nil {
		return nil, err
	}

	return c.Execute(ctx, runID, graph)
}

// Prepare builds the graph, checks that every resource type has a handler and runs the
// preflight hooks. It never invokes a handler.
func (c *Converger) Prepare(ctx context.Context, defs []Definition) (*Graph, error) {
	if c.cfg.Registry == nil {
		return nil, NewPermanentError("converger has no registry", nil).WithCode(ErrCodeInternal)
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		return nil, err
	}

	if err := c.CheckTypes(graph); err != nil {
		return nil, err
	}

	for _, p := range c.cfg.Preflight {
		if err := p.Check(ctx, graph); err != nil {
			return nil, err
		}
	}

	return graph, nil
}

// CheckTypes verifies that every resource type in the graph has a registered handler.
// The first missing type in declaration order is reported.
func (c *Converger) CheckTypes(graph *Graph) error {
	for _, t := range graph.Types() {
		if _, err := c.cfg.Registry.Lookup(t); err != nil {
			return err
		}
	}
	return nil
}

// Execute applies a prepared graph under runID.
// The registry is frozen before the first node starts. Cancelling ctx stops new nodes from
// starting; handlers that are already running are allowed to finish.
func (c *Converger) Execute(ctx context.Context, runID string, graph *Graph) (*RunReport, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, NewPermanentError("invalid run id", err).WithCode(ErrCodeValidation)
	}
	if c.cfg.Registry == nil {
		return nil, NewPermanentError("converger has no registry", nil).WithCode(ErrCodeInternal)
	}
	c.cfg.Registry.Freeze()

	ctx = ContextWithRunID(ctx, runID)
	run := Run{
		ID:        runID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Total:     graph.Len(),
		DryRun:    c.cfg.DryRun,
	}
	for _, o := range c.cfg.Observers {
		ctx = o.RunStarted(ctx, run)
	}

	logger := c.logger.With().Str("run_id", runID).Logger()
	logger.Info().Int("nodes", graph.Len()).Bool("dry_run", c.cfg.DryRun).Msg("Run started")

	exec := newExecution(c, runID, graph, logger)
	exec.run(ctx)

	report := exec.report(run.StartedAt)
	for _, o := range c.cfg.Observers {
		o.RunFinished(ctx, report)
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary.Succeeded).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Int("cancelled", report.Summary.Cancelled).
		Dur("duration", report.Duration).
		Msg("Run finished")

	return report, nil
}

// execution holds the mutable state of one run.
type execution struct {
	c      *Converger
	runID  string
	graph  *Graph
	nodes  []*GraphNode
	logger zerolog.Logger

	// mu protects everything below; it is never held across a handler call
	mu        sync.Mutex
	pending   []int
	status    []NodeStatus
	results   []NodeResult
	remaining int
	cancelled bool

	ready chan int
}

func newExecution(c *Converger, runID string, graph *Graph, logger zerolog.Logger) *execution {
	nodes := graph.Nodes()
	e := &execution{
		c:         c,
		runID:     runID,
		graph:     graph,
		nodes:     nodes,
		logger:    logger,
		pending:   make([]int, len(nodes)),
		status:    make([]NodeStatus, len(nodes)),
		results:   make([]NodeResult, len(nodes)),
		remaining: len(nodes),
		ready:     make(chan int, len(nodes)),
	}

	for i, n := range nodes {
		e.pending[i] = len(n.Dependencies)
		e.status[i] = NodeStatusPending
		e.results[i] = NodeResult{Ref: n.Ref(), Source: n.Definition.Source, Status: NodeStatusPending}
	}

	// Seed the ready queue in topological order
	for i := range nodes {
		if e.pending[i] == 0 {
			e.ready <- i
		}
	}
	return e
}

func (e *execution) run(ctx context.Context) {
	if len(e.nodes) == 0 {
		return
	}

	workers := e.c.cfg.Concurrency
	if workers > len(e.nodes) {
		workers = len(e.nodes)
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for idx := range e.ready {
				e.process(ctx, idx)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// process runs one ready node, or cancels it when the run has been cancelled.
func (e *execution) process(ctx context.Context, idx int) {
	if ctx.Err() != nil {
		e.mu.Lock()
		e.cancelled = true
		finished := e.cancelFrom(idx, ctx.Err())
		e.mu.Unlock()
		e.notify(ctx, finished)
		return
	}

	e.mu.Lock()
	e.status[idx] = NodeStatusRunning
	e.results[idx].Status = NodeStatusRunning
	e.mu.Unlock()

	result := e.apply(ctx, e.nodes[idx])

	e.mu.Lock()
	finished := e.complete(idx, result)
	e.mu.Unlock()
	e.notify(ctx, finished)
}

// apply invokes the handler for one node. No lock is held.
func (e *execution) apply(ctx context.Context, node *GraphNode) NodeResult {
	def := node.Definition
	ref := def.Ref()
	result := NodeResult{Ref: ref, Source: def.Source, StartedAt: time.Now()}
	logger := e.logger.With().Str("resource", ref.String()).Logger()

	// Handlers run to completion even if the run is cancelled.
	nodeCtx := context.WithoutCancel(ctx)
	for _, o := range e.c.cfg.Observers {
		nodeCtx = o.NodeStarted(nodeCtx, e.runID, def)
	}

	fail := func(err *EngineError, message string) NodeResult {
		result.Status = NodeStatusFailed
		result.Error = err
		if message == "" {
			message = err.Error()
		}
		result.Result.Message = message
		result.Result.Success = false
		result.Duration = time.Since(result.StartedAt)
		logger.Error().Err(err).Msg("Resource failed")
		return result
	}

	handler, err := e.c.cfg.Registry.Lookup(def.Type)
	if err != nil {
		return fail(asEngineError(err, ref), "")
	}

	if err := handler.Validate(def.Parameters); err != nil {
		return fail(NewInvalidParameterError(ref, err), "")
	}

	logger.Debug().Msg("Applying resource")
	req := NewApplyRequest(e.runID, def, e.c.cfg.DryRun, e.c.cfg.Backupper)
	res, err := safeApply(nodeCtx, handler, req)
	result.Backups = req.Backups()
	result.Result = res

	switch {
	case err != nil:
		engErr := asEngineError(err, ref)
		if engErr.Code == "" {
			engErr.WithCode(ErrCodeHandlerFailed)
		}
		return fail(engErr, res.Message)
	case !res.Success:
		return fail(NewHandlerFailureError(ref, res.Message, nil), res.Message)
	}

	result.Status = NodeStatusSucceeded
	result.Duration = time.Since(result.StartedAt)
	logger.Info().Bool("changed", res.Changed()).Dur("duration", result.Duration).Msg(res.Message)
	return result
}

// complete records a node result and releases or skips its dependents.
// Must be called with e.mu held. It returns every node that reached a terminal state.
func (e *execution) complete(idx int, result NodeResult) []NodeResult {
	e.status[idx] = result.Status
	e.results[idx] = result
	finished := []NodeResult{result}
	e.finish()

	node := e.nodes[idx]
	if result.Status == NodeStatusSucceeded {
		for _, dep := range node.Dependents {
			d, _ := e.graph.Node(dep)
			e.pending[d.Position]--
			if e.pending[d.Position] == 0 && e.status[d.Position] == NodeStatusPending {
				e.ready <- d.Position
			}
		}
		return finished
	}

	upstream := node.Ref()
	for _, dep := range e.graph.TransitiveDependents(upstream) {
		d, _ := e.graph.Node(dep)
		if e.status[d.Position].IsTerminal() {
			continue
		}
		msg := fmt.Sprintf("skipped: dependency %s failed", upstream)
		e.status[d.Position] = NodeStatusSkipped
		e.results[d.Position] = NodeResult{
			Ref:    dep,
			Source: d.Definition.Source,
			Status: NodeStatusSkipped,
			Result: ExecutionResult{Message: msg, Success: false},
			Error: NewPermanentError(msg, nil).
				WithCode(ErrCodeDependencyFailed).
				WithResource(dep.String()).
				WithDetail("upstream", upstream.String()),
		}
		finished = append(finished, e.results[d.Position])
		e.finish()
	}
	return finished
}

// cancelFrom marks a node and its not yet terminal dependents as cancelled.
// Must be called with e.mu held.
func (e *execution) cancelFrom(idx int, cause error) []NodeResult {
	refs := append([]Ref{e.nodes[idx].Ref()}, e.graph.TransitiveDependents(e.nodes[idx].Ref())...)

	var finished []NodeResult
	for _, ref := range refs {
		d, _ := e.graph.Node(ref)
		if e.status[d.Position].IsTerminal() {
			continue
		}
		e.status[d.Position] = NodeStatusCancelled
		e.results[d.Position] = NodeResult{
			Ref:    ref,
			Source: d.Definition.Source,
			Status: NodeStatusCancelled,
			Result: ExecutionResult{Message: "cancelled: run was interrupted before this resource started"},
			Error: NewTransientError("run cancelled", cause).
				WithCode(ErrCodeCancelled).
				WithResource(ref.String()),
		}
		finished = append(finished, e.results[d.Position])
		e.finish()
	}
	return finished
}

// finish counts one terminal node and closes the ready queue after the last one.
// Must be called with e.mu held.
func (e *execution) finish() {
	e.remaining--
	if e.remaining == 0 {
		close(e.ready)
	}
}

func (e *execution) notify(ctx context.Context, finished []NodeResult) {
	for _, res := range finished {
		if res.Status == NodeStatusSkipped {
			e.logger.Warn().Str("resource", res.Ref.String()).Msg(res.Result.Message)
		}
		for _, o := range e.c.cfg.Observers {
			o.NodeFinished(ctx, e.runID, res)
		}
	}
}

// report builds the final run report.
func (e *execution) report(startedAt time.Time) *RunReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	completedAt := time.Now()
	report := &RunReport{
		RunID:       e.runID,
		DryRun:      e.c.cfg.DryRun,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Results:     append([]NodeResult(nil), e.results...),
	}
	report.Summary = calculateRunSummary(report.Results)

	switch {
	case e.cancelled && report.Summary.Cancelled > 0:
		report.Status = RunStatusCancelled
	case report.Summary.Succeeded != report.Summary.Total:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusCompleted
	}
	return report
}

// calculateRunSummary calculates the run summary statistics.
func calculateRunSummary(results []NodeResult) RunSummary {
	summary := RunSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case NodeStatusSucceeded:
			summary.Succeeded++
			if r.Result.Changed() {
				summary.Changed++
			}
		case NodeStatusFailed:
			summary.Failed++
		case NodeStatusSkipped:
			summary.Skipped++
		case NodeStatusCancelled:
			summary.Cancelled++
		}
	}
	return summary
}

// safeApply invokes a handler, converting a panic into a handler failure.
func safeApply(ctx context.Context, h Handler, req *ApplyRequest) (res ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = ExecutionResult{Success: false}
			err = NewHandlerFailureError(req.Definition.Ref(), "handler panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return h.Apply(ctx, req)
}

// asEngineError classifies an arbitrary error as an EngineError for ref.
func asEngineError(err error, ref Ref) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Resource == "" {
			e.Resource = ref.String()
		}
		return e
	}
	return NewHandlerFailureError(ref, "", err)
}
