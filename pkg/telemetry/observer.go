package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/engine"
)

// RunObserver turns converger lifecycle callbacks into spans, metrics, and events.
type RunObserver struct {
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher
	logger  *Logger

	mu       sync.Mutex
	runSpans map[string]trace.Span
	// node spans by run ID and ref; NodeFinished only sees the run context
	nodeSpans map[nodeKey]trace.Span
}

type nodeKey struct {
	runID string
	ref   engine.Ref
}

var _ engine.Observer = (*RunObserver)(nil)

// NewRunObserver creates an observer. Any of tracer, metrics, or events may be nil.
func NewRunObserver(tracer *Tracer, metrics *Metrics, events *EventPublisher, logger *Logger) *RunObserver {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &RunObserver{
		tracer:    tracer,
		metrics:   metrics,
		events:    events,
		logger:    logger.NewComponentLogger("observer"),
		runSpans:  make(map[string]trace.Span),
		nodeSpans: make(map[nodeKey]trace.Span),
	}
}

// RunStarted opens the run span and attaches a run-scoped logger to the context.
func (o *RunObserver) RunStarted(ctx context.Context, run engine.Run) context.Context {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartRunSpan(ctx, run)
		o.mu.Lock()
		o.runSpans[run.ID] = span
		o.mu.Unlock()
	}

	if o.metrics != nil {
		o.metrics.RecordRunStarted()
	}

	o.publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   run.ID,
		Message: "run started",
		Data: map[string]interface{}{
			"total":   run.Total,
			"dry_run": run.DryRun,
		},
	})

	return o.logger.WithRunID(run.ID).WithContext(ctx)
}

// NodeStarted opens a node span that becomes the handler's parent span.
func (o *RunObserver) NodeStarted(ctx context.Context, runID string, def engine.Definition) context.Context {
	ref := def.Ref()
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartNodeSpan(ctx, runID, ref)
		o.mu.Lock()
		o.nodeSpans[nodeKey{runID: runID, ref: ref}] = span
		o.mu.Unlock()
	}

	o.publish(Event{
		Type:     EventTypeNodeStarted,
		RunID:    runID,
		Resource: ref.String(),
		Message:  "applying " + ref.String(),
	})

	return FromContext(ctx).WithResource(ref).WithContext(ctx)
}

// NodeFinished closes the node span and records the node's outcome.
func (o *RunObserver) NodeFinished(ctx context.Context, runID string, result engine.NodeResult) {
	o.mu.Lock()
	span, ok := o.nodeSpans[nodeKey{runID: runID, ref: result.Ref}]
	delete(o.nodeSpans, nodeKey{runID: runID, ref: result.Ref})
	o.mu.Unlock()

	if ok {
		span.SetAttributes(
			AttrNodeStatus.String(string(result.Status)),
			AttrNodeChanged.Bool(result.Result.Changed()),
		)
		if result.Error != nil {
			span.SetAttributes(AttrErrorCode.String(result.Error.Code))
			RecordError(span, result.Error)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	if o.metrics != nil {
		o.metrics.RecordNode(result.Ref.Type, string(result.Status), result.Duration)
		if result.Error != nil {
			o.metrics.RecordError(result.Error.Code)
		}
	}

	event := Event{
		Type:     EventTypeNodeFinished,
		RunID:    runID,
		Resource: result.Ref.String(),
		Message:  result.Result.Message,
		Data: map[string]interface{}{
			"status":  string(result.Status),
			"changed": result.Result.Changed(),
		},
	}
	if result.Error != nil {
		event.Type = EventTypeNodeFailed
		event.Level = EventLevelError
		event.Message = result.Error.Message
		event.Data["code"] = result.Error.Code
	}
	o.publish(event)

	for _, rec := range result.Backups {
		o.publish(Event{
			Type:     EventTypeBackupTaken,
			RunID:    runID,
			Resource: result.Ref.String(),
			Message:  rec.OriginalPath,
			Data: map[string]interface{}{
				"backup_path": rec.BackupPath,
				"existed":     rec.Existed,
				"size":        rec.Size,
			},
		})
	}
}

// RunFinished closes the run span and records the run's outcome.
func (o *RunObserver) RunFinished(ctx context.Context, report *engine.RunReport) {
	status := string(report.Status)

	o.mu.Lock()
	span, ok := o.runSpans[report.RunID]
	delete(o.runSpans, report.RunID)
	o.mu.Unlock()

	if ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if report.Status == engine.RunStatusCompleted {
			RecordSuccess(span)
		} else {
			span.SetStatus(codes.Error, "run "+status)
		}
		span.End()
	}

	if o.metrics != nil {
		o.metrics.RecordRunCompleted(status, report.Duration)
	}

	event := Event{
		Type:    "run." + status,
		RunID:   report.RunID,
		Message: "run " + status,
		Data: map[string]interface{}{
			"total":     report.Summary.Total,
			"succeeded": report.Summary.Succeeded,
			"failed":    report.Summary.Failed,
			"skipped":   report.Summary.Skipped,
			"cancelled": report.Summary.Cancelled,
			"changed":   report.Summary.Changed,
		},
	}
	if report.Status != engine.RunStatusCompleted {
		event.Level = EventLevelError
	}
	o.publish(event)

	o.logger.zlog.Info().
		Str("run_id", report.RunID).
		Str("status", status).
		Dur("duration", report.Duration).
		Int("changed", report.Summary.Changed).
		Msg("Run finished")
}

func (o *RunObserver) publish(event Event) {
	if o.events == nil {
		return
	}
	event.Source = "converger"
	if err := o.events.Publish(event); err != nil {
		o.logger.zlog.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}

// InstrumentBackupper wraps a Backupper so every snapshot is counted in metrics.
func InstrumentBackupper(b engine.Backupper, metrics *Metrics) engine.Backupper {
	if metrics == nil || !metrics.Enabled() {
		return b
	}
	return &instrumentedBackupper{next: b, metrics: metrics}
}

type instrumentedBackupper struct {
	next    engine.Backupper
	metrics *Metrics
}

func (b *instrumentedBackupper) Backup(ctx context.Context, runID, path string) (engine.BackupRecord, error) {
	rec, err := b.next.Backup(ctx, runID, path)
	switch {
	case err != nil:
		b.metrics.RecordBackup(BackupResultFailed, 0)
	case !rec.Existed:
		b.metrics.RecordBackup(BackupResultMissing, 0)
	default:
		b.metrics.RecordBackup(BackupResultCopied, rec.Size)
	}
	return rec, err
}
