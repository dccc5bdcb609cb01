package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents a convergence run
type Run struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"` // root module location
	Status      engine.RunStatus `json:"status"`
	DryRun      bool             `json:"dry_run"`
	Total       int              `json:"total"`
	Summary     string           `json:"summary"` // JSON blob of engine.RunSummary
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NodeResult represents the persisted outcome of one definition within a run
type NodeResult struct {
	ID           int64             `json:"id"`
	RunID        string            `json:"run_id"`
	Position     int               `json:"position"` // topological position
	ResourceType string            `json:"resource_type"`
	ResourceName string            `json:"resource_name"`
	Source       string            `json:"source"`
	Status       engine.NodeStatus `json:"status"`
	Message      string            `json:"message"`
	Diff         *string           `json:"diff,omitempty"`
	ErrorCode    *string           `json:"error_code,omitempty"`
	Error        *string           `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Ref returns the definition reference of the result.
func (n *NodeResult) Ref() engine.Ref {
	return engine.Ref{Type: n.ResourceType, Name: n.ResourceName}
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	Resource  *string    `json:"resource,omitempty"` // type[name]
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status engine.RunStatus, summary engine.RunSummary, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// NodeResult operations
	SaveNodeResult(ctx context.Context, result *NodeResult) error
	ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error)

	// Backup catalog
	RecordBackup(ctx context.Context, record engine.BackupRecord) error
	GetBackup(ctx context.Context, runID, originalPath string) (*engine.BackupRecord, error)
	ListBackups(ctx context.Context, runID string) ([]*engine.BackupRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
